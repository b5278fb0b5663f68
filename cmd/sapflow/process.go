package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/sapflow.report/internal/httputil"
	"github.com/banshee-data/sapflow.report/internal/ingest"
	"github.com/banshee-data/sapflow.report/internal/report"
)

func runProcess(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("process", stderr)
	var (
		site siteFlags
		dbf  dbFlags
	)
	site.register(fs)
	dbf.register(fs)
	messagesPath := fs.String("messages", "", "file of uplink messages: a JSON array or one message per line")
	url := fs.String("url", "", "fetch uplink messages from this storage integration URL")
	apiKey := fs.String("api-key", os.Getenv("SAPFLOW_API_KEY"), "bearer token for --url (env SAPFLOW_API_KEY)")
	outDir := fs.StringP("out", "o", ".", "directory for usage files")
	format := fs.String("format", string(report.FormatJSON), "usage file format: json or cbor")
	compress := fs.String("compress", string(report.CompressNone), "usage file compression: none, gzip or zstd")
	perDevice := fs.Bool("per-device", false, "also aggregate and write usage per device")
	plot := fs.Bool("plot", false, "render a PNG plot of hourly usage")
	noDB := fs.Bool("no-db", false, "do not persist readings, usage or the run record")
	concurrency := fs.Int("concurrency", 0, "messages processed in parallel (0 = GOMAXPROCS)")
	timeout := fs.Duration("timeout", 60*time.Second, "timeout for fetching messages from --url")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	if (*messagesPath == "") == (*url == "") {
		fmt.Fprintln(stderr, "exactly one of --messages or --url is required")
		return errUsage
	}

	f, err := report.ParseFormat(*format)
	if err != nil {
		return err
	}
	c, err := report.ParseCompression(*compress)
	if err != nil {
		return err
	}
	cfg, err := site.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var messages [][]byte
	if *messagesPath != "" {
		messages, err = ingest.ReadMessagesFile(*messagesPath)
	} else {
		fetchCtx, cancel := context.WithTimeout(ctx, *timeout)
		messages, err = ingest.FetchMessages(fetchCtx, httputil.NewStandardClient(nil), *url, *apiKey)
		cancel()
	}
	if err != nil {
		return err
	}

	var store ingest.Store
	if !*noDB {
		database, err := dbf.open()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.EnsureSchema(); err != nil {
			return err
		}
		store = database
	}

	processor, err := newProcessor(cfg, store, *perDevice, *concurrency)
	if err != nil {
		return err
	}
	res, err := processor.ProcessBatch(ctx, messages)
	if err != nil {
		return err
	}

	for _, item := range res.Items {
		if item.Err != nil {
			fmt.Fprintf(stderr, "message %d (%s): %v\n", item.Index, item.DeviceID, item.Err)
		}
	}

	w := report.Writer{Dir: *outDir, Format: f, Compression: c, Plot: *plot}
	paths, err := w.WriteUsage(res.Totals)
	if err != nil {
		return err
	}
	if *perDevice {
		devicePaths, err := w.WriteDeviceUsage(res.DeviceTotals)
		if err != nil {
			return err
		}
		paths = append(paths, devicePaths...)
	}

	log.Printf("run %s finished in %s", res.RunID, res.FinishedAt.Sub(res.StartedAt))
	fmt.Fprintf(stdout, "run %s: %d messages, %d readings, %d failures, %g samples/hour\n",
		res.RunID, len(res.Items), len(res.Readings), res.Failures(), res.Totals.SamplesPerHour)
	for _, p := range paths {
		fmt.Fprintf(stdout, "wrote %s\n", p)
	}
	return nil
}
