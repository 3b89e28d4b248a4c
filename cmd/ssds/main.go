// Package main is the entry point for the ssds command-line tool: upload,
// sync, and query the staging area, and run cloud-agnostic copies.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/DataBiosphere/ssds/internal/concurrency"
	"github.com/DataBiosphere/ssds/internal/config"
	"github.com/DataBiosphere/ssds/internal/deployment"
	"github.com/DataBiosphere/ssds/internal/logging"
	"github.com/DataBiosphere/ssds/internal/metrics"
	"github.com/DataBiosphere/ssds/internal/ssds"
	"github.com/DataBiosphere/ssds/internal/storage"
)

const usage = `usage: ssds <command> [flags]

commands:
  upload           upload a local directory tree or cloud prefix to a submission
  copy             copy a single file into a submission
  list             list submissions
  list-submission  list the objects of one submission
  sync             copy a submission between deployments
  bucket           print the bucket of a deployment
  release          copy curated submission objects into the release prefix
  cp               cloud-agnostic copy between local paths, s3://, and gs:// urls
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "ssds: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	ctx := context.Background()

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "ssds.yaml", "path to configuration file")
	deploymentName := fs.String("deployment", "default", "SSDS deployment")
	submissionID := fs.String("submission-id", "", "submission id")
	name := fs.String("name", "", "human readable name of submission; cannot contain spaces")
	subdir := fs.String("subdir", "", "destination subdirectory")
	submissionPath := fs.String("submission-path", "", "path in submission directory, e.g. my/path/to/foo.bam")
	dstDeployment := fs.String("dst-deployment", "gcp", "destination deployment")
	recursive := fs.Bool("r", false, "copy directories recursively")
	ignoreMissing := fs.Bool("ignore-missing-checksums", false, "warn instead of failing on missing checksum tags")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register(nil)
	concurrency.SetDefaultMaxWorkers(cfg.Concurrency.MaxWorkers)

	resolve := func(name string) (*ssds.SSDS, error) {
		return deployment.Resolve(ctx, cfg, name)
	}

	switch command {
	case "upload":
		if fs.NArg() != 1 || *submissionID == "" {
			return fmt.Errorf("usage: ssds upload --submission-id ID [--name NAME] [--subdir DIR] PATH")
		}
		ds, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		results, err := ds.Upload(ctx, fs.Arg(0), *submissionID, *name, *subdir)
		if err != nil {
			return err
		}
		count := 0
		for res := range results {
			if res.Err != nil {
				return res.Err
			}
			count++
		}
		if count == 0 {
			return fmt.Errorf("no objects found for %q", fs.Arg(0))
		}
		return nil

	case "copy":
		if fs.NArg() != 1 || *submissionID == "" || *submissionPath == "" {
			return fmt.Errorf("usage: ssds copy --submission-id ID [--name NAME] --submission-path PATH SRC_URL")
		}
		ds, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		_, err = ds.CopyOne(ctx, fs.Arg(0), *submissionID, *name, *submissionPath)
		return err

	case "list":
		ds, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		submissions, err := ds.List(ctx)
		if err != nil {
			return err
		}
		for _, submission := range submissions {
			fmt.Println(submission.ID, submission.Name)
		}
		return nil

	case "list-submission":
		if *submissionID == "" {
			return fmt.Errorf("usage: ssds list-submission --submission-id ID")
		}
		ds, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		keys, err := ds.ListSubmission(ctx, *submissionID)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Printf("No submission found for %s\n", *submissionID)
			return nil
		}
		for _, key := range keys {
			fmt.Println(ds.ComposeBlobstoreURL(key))
		}
		return nil

	case "sync":
		if *submissionID == "" {
			return fmt.Errorf("usage: ssds sync --submission-id ID [--dst-deployment NAME]")
		}
		src, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		dst, err := resolve(*dstDeployment)
		if err != nil {
			return err
		}
		results, err := ssds.Sync(ctx, *submissionID, src, dst, *subdir)
		if err != nil {
			return err
		}
		for res := range results {
			if res.Err != nil {
				return res.Err
			}
		}
		return nil

	case "bucket":
		ds, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		fmt.Printf("%s%s\n", ds.Store.Schema(), ds.Store.Bucket())
		return nil

	case "release":
		if *submissionID == "" || fs.NArg() == 0 {
			return fmt.Errorf("usage: ssds release --submission-id ID [--dst-deployment NAME] SRC_URL=DST_URL ...")
		}
		src, err := resolve(*deploymentName)
		if err != nil {
			return err
		}
		dst, err := resolve(*dstDeployment)
		if err != nil {
			return err
		}
		var transfers []ssds.Transfer
		for _, arg := range fs.Args() {
			srcURL, dstURL, found := strings.Cut(arg, "=")
			if !found {
				return fmt.Errorf("release transfers take the form SRC_URL=DST_URL, got %q", arg)
			}
			transfers = append(transfers, ssds.Transfer{SrcURL: srcURL, DstURL: dstURL})
		}
		manifest, err := ssds.Release(ctx, *submissionID, src, dst, transfers)
		if err != nil {
			return err
		}
		fmt.Printf("released %d objects; manifest %s\n", len(manifest.TransferMap), manifest.StartTimestamp)
		return nil

	case "cp":
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: ssds cp [-r] [--ignore-missing-checksums] SRC_URL DST_URL")
		}
		return cp(ctx, fs.Arg(0), fs.Arg(1), *recursive, *ignoreMissing)

	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// cp copies a single object or, recursively, everything under a prefix.
func cp(ctx context.Context, srcURL, dstURL string, recursive, ignoreMissing bool) error {
	client := storage.NewCopyClient()
	client.IgnoreMissingChecksums = ignoreMissing
	if !recursive {
		src, err := storage.BlobForURL(ctx, srcURL, "")
		if err != nil {
			return err
		}
		dst, err := storage.BlobForURL(ctx, dstURL, "")
		if err != nil {
			return err
		}
		client.Copy(ctx, src, dst)
	} else {
		srcPrefix, listing, err := storage.ListingForURL(ctx, srcURL, "")
		if err != nil {
			return err
		}
		dstPrefix, dstStore, err := storage.BlobStoreForURL(ctx, dstURL, "")
		if err != nil {
			return err
		}
		for {
			src, err := listing.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			dst := dstStore.Blob(storage.TransformKey(src.Key(), srcPrefix, dstPrefix))
			client.Copy(ctx, src, dst)
		}
	}
	client.Close()
	for _, completion := range client.Completed() {
		if completion.Err != nil {
			return completion.Err
		}
	}
	return nil
}
