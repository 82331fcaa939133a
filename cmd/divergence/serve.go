package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/danielorbach/go-component"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-divergence/session"
)

func newServeCmd() *cobra.Command {
	var (
		bucketURL    string
		mapping      string
		subscription string
		notify       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Annotate clips as they are announced on a subscription",
		Long: `Annotate clips as they are announced with ClipReady messages on a
subscription. Every clip continues the session recorded in the bucket, so
messages of a session must be delivered in order. Stops on SIGINT or SIGTERM,
or fails on the first clip that cannot be annotated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bucket, err := blob.OpenBucket(ctx, bucketURL)
			if err != nil {
				return fmt.Errorf("open bucket: %w", err)
			}
			defer bucket.Close()
			pairs, err := loadBucketMapping(ctx, bucket, mapping)
			if err != nil {
				return err
			}

			runner := session.Runner{Bucket: bucket, Pairs: pairs}
			if notify != "" {
				topic, err := pubsub.OpenTopic(ctx, notify)
				if err != nil {
					return fmt.Errorf("open topic: %w", err)
				}
				defer topic.Shutdown(context.Background())
				runner.Notify = topic
			}

			sub, err := pubsub.OpenSubscription(ctx, subscription)
			if err != nil {
				return fmt.Errorf("open subscription: %w", err)
			}
			go shutdownOnDone(ctx, sub)

			slog.Info("Serving clip requests", slog.String("subscription", subscription))
			var failure session.Failure
			component.RunProc(runner.Serve(sub, &failure), procOptions(ctx, "serve")...)
			return failure.Err()
		},
	}
	f := cmd.Flags()
	f.StringVar(&bucketURL, "bucket", "", "`URL` of the bucket holding the clips")
	f.StringVar(&mapping, "mapping", "", "bucket `key` of the signal pair mapping (triples or BTOR2)")
	f.StringVar(&subscription, "subscription", "", "`URL` of the subscription delivering ClipReady messages")
	f.StringVar(&notify, "notify", "", "`URL` of a topic announcing every annotated clip")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("mapping")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var subscription string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow ClipAnnotated notifications and check that sessions chain",
		Long: `Follow the ClipAnnotated notifications of a topic and check that the clips of
every session continue from one another. Stops on SIGINT or SIGTERM, or fails
on the first discontinuity, and prints the latest clip of every session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub, err := pubsub.OpenSubscription(ctx, subscription)
			if err != nil {
				return fmt.Errorf("open subscription: %w", err)
			}
			go shutdownOnDone(ctx, sub)

			var (
				tracker session.Tracker
				failure session.Failure
			)
			component.RunProc(session.Track(&tracker, sub, &failure), procOptions(ctx, "watch")...)

			latest := maps.Collect(tracker.Iter())
			for _, name := range slices.Sorted(maps.Keys(latest)) {
				ev := latest[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%v\n", name, ev.Clip, ev.Policy, ev.Tail)
			}
			return failure.Err()
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "`URL` of the subscription delivering ClipAnnotated messages")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

// shutdownOnDone shuts sub down once ctx is done, which stops the procs
// receiving from it.
func shutdownOnDone(ctx context.Context, sub *pubsub.Subscription) {
	<-ctx.Done()
	if err := sub.Shutdown(context.Background()); err != nil {
		slog.Debug("Subscription shutdown", slog.Any("error", err))
	}
}

// procOptions runs a proc under ctx, with its lifecycle messages logged by the
// default logger at debug level.
func procOptions(ctx context.Context, name string) []component.Option {
	return []component.Option{
		component.WithName(name),
		component.WithContext(ctx),
		component.WithLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)),
	}
}
