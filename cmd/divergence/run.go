package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-divergence"
	"github.com/go-digitaltwin/go-divergence/journal"
	"github.com/go-digitaltwin/go-divergence/pairtable"
	"github.com/go-digitaltwin/go-divergence/session"
)

type runOptions struct {
	config   string
	bucket   string
	prefix   string
	clips    int
	policy   string
	mapping  string
	notify   string
	prefetch int
	resume   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Annotate every clip of a session stored in a bucket",
		Long: `Annotate every clip of a session stored in a bucket, carrying the latch state
from one clip to the next.

The session is read from --config, or built from --prefix, --clips and
--shadow-policy: clip i (from 1) reads <prefix>_clip_<i>.yaml and writes
<prefix>_clip_<i>_shadow.yaml. A journal of the annotated clips is kept at
<prefix>_journal.gob; --resume skips the clips it records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.sessionConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			bucket, err := blob.OpenBucket(ctx, opts.bucket)
			if err != nil {
				return fmt.Errorf("open bucket: %w", err)
			}
			defer bucket.Close()

			pairs, err := loadBucketMapping(ctx, bucket, cfg.Mapping)
			if err != nil {
				return err
			}
			runner := session.Runner{Bucket: bucket, Pairs: pairs}
			if opts.notify != "" {
				topic, err := pubsub.OpenTopic(ctx, opts.notify)
				if err != nil {
					return fmt.Errorf("open topic: %w", err)
				}
				defer topic.Shutdown(context.Background())
				runner.Notify = topic
			}

			entries, err := runner.Run(ctx, cfg)
			printJournal(cmd, entries)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.config, "config", "", "YAML session config `file`")
	f.StringVar(&opts.bucket, "bucket", "", "`URL` of the bucket holding the clips (e.g. file:///data)")
	f.StringVar(&opts.prefix, "prefix", "", "session prefix, when not using --config")
	f.IntVar(&opts.clips, "clips", 0, "number of clips, when not using --config")
	f.StringVar(&opts.policy, "shadow-policy", "", "comma-separated policy per clip: 0 (or) or 1 (and)")
	f.StringVar(&opts.mapping, "mapping", "", "bucket `key` of the signal pair mapping (triples or BTOR2)")
	f.StringVar(&opts.notify, "notify", "", "`URL` of a topic announcing every annotated clip")
	f.IntVar(&opts.prefetch, "prefetch", session.DefaultPrefetch, "number of clip inputs fetched ahead")
	f.BoolVar(&opts.resume, "resume", false, "skip clips recorded in the session journal")
	_ = cmd.MarkFlagRequired("bucket")
	cmd.MarkFlagsMutuallyExclusive("config", "prefix")
	cmd.MarkFlagsMutuallyExclusive("config", "shadow-policy")
	return cmd
}

// sessionConfig builds the session config from the flags. Flags set explicitly
// override the config file.
func (o runOptions) sessionConfig(cmd *cobra.Command) (session.Config, error) {
	var (
		cfg session.Config
		err error
	)
	if o.config != "" {
		f, err := os.Open(o.config)
		if err != nil {
			return session.Config{}, err
		}
		defer f.Close()
		if cfg, err = session.LoadConfig(f); err != nil {
			return session.Config{}, fmt.Errorf("%s: %w", o.config, err)
		}
	} else {
		policies, err := divergence.ParsePolicyList(o.policy)
		if err != nil {
			return session.Config{}, fmt.Errorf("--shadow-policy: %w", err)
		}
		if cfg, err = session.FromPolicyList(o.prefix, o.clips, policies); err != nil {
			return session.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("mapping") {
		cfg.Mapping = o.mapping
	}
	if flags.Changed("prefetch") {
		cfg.Prefetch = o.prefetch
	}
	if flags.Changed("resume") {
		cfg.Resume = o.resume
	}
	if cfg.Mapping == "" {
		return session.Config{}, errors.New("no signal pair mapping: set --mapping or the mapping of --config")
	}
	if err = cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

func loadBucketMapping(ctx context.Context, bucket *blob.Bucket, key string) (divergence.PairTable, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return divergence.PairTable{}, fmt.Errorf("mapping: %w", err)
	}
	defer r.Close()
	pairs, _, err := pairtable.Load(ctx, r)
	if err != nil {
		return divergence.PairTable{}, fmt.Errorf("mapping %s: %w", key, err)
	}
	return pairs, nil
}

func printJournal(cmd *cobra.Command, entries []journal.Entry) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIP\tPOLICY\tSNAPSHOTS\tSETTLED\tCONTINUED\tOUTPUT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\t%s\n", e.Clip, e.Policy, e.Snapshots, e.Settled, e.Continued, e.Output)
	}
	_ = w.Flush()
}
