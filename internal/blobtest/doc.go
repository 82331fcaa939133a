/*
Package blobtest provides gocloud buckets and topics for tests that store
traces and journals. It provides a higher-level interface to the gocloud.dev
drivers that is suitable for common use-cases.

If the details of the bucket are not important to a test, use [MemBucket]. If
the test must leave files behind for a developer to look at, use [SetupBucket]:
it keeps its directory after a failed test when the Inspect flag is set:

	go test -blobtest.inspect

This package is intended to be used in tests only. It is not suitable for
production use.
*/
package blobtest
