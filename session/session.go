/*
Package session annotates the clips of long checking sessions stored in a
gocloud bucket.

A session is an ordered list of clips sharing one pair table. Each clip is
annotated under its own policy and written back to the bucket; a [Runner]
carries the latch state from one clip to the next through the final annotated
snapshot of the session so far (its tail):

  - An AND clip always continues from the tail. A session may therefore not
    start with an AND clip.
  - An OR clip continues from the tail only if an OR clip produced it. After an
    AND clip, or at the start of a session, it starts fresh. Unlike annotating
    each clip on its own (e.g. with the "or" command), a shadow latched by one
    OR clip therefore stays latched in the OR clips that follow it.
  - An empty clip produces an empty output and leaves the tail unchanged.

Every annotated clip is recorded in a journal (see package journal) stored next
to the outputs, so that an interrupted session can be resumed, and optionally
announced on a pubsub topic with a [ClipAnnotated] notification.
*/
package session
