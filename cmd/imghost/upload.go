package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"imghost/internal/client"
)

var uploadOpts struct {
	server      string
	user        string
	quality     int
	passthrough bool
	recursive   bool
	jobs        int
}

var uploadCmd = &cobra.Command{
	Use:   "upload <files or directories>...",
	Short: "Upload images to a running server and print their URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpload,
}

func init() {
	f := uploadCmd.Flags()
	f.StringVar(&uploadOpts.server, "server", "", "server base URL (default BASE_URL)")
	f.StringVarP(&uploadOpts.user, "user", "u", "", "username; the password is read from IMGHOST_PASSWORD")
	f.IntVarP(&uploadOpts.quality, "quality", "q", 0, "requested quality 1-100, capped by the server")
	f.BoolVar(&uploadOpts.passthrough, "passthrough", false, "store the original bytes unmodified")
	f.BoolVarP(&uploadOpts.recursive, "recursive", "r", false, "descend into subdirectories")
	f.IntVarP(&uploadOpts.jobs, "jobs", "j", 4, "concurrent uploads")
	uploadCmd.MarkFlagRequired("user")
}

func runUpload(cmd *cobra.Command, args []string) error {
	paths, err := client.CollectImages(args, uploadOpts.recursive)
	if err != nil {
		return err
	}

	server := uploadOpts.server
	if server == "" {
		server = cfg.BaseURL
	}
	c := client.New(server, uploadOpts.user, os.Getenv("IMGHOST_PASSWORD"))
	opts := client.Options{Quality: uploadOpts.quality, Passthrough: uploadOpts.passthrough}

	var (
		mu     sync.Mutex
		failed int
	)
	out := cmd.OutOrStdout()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(uploadOpts.jobs, 1))
	for _, p := range paths {
		g.Go(func() error {
			res, err := c.UploadFile(ctx, p, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				slog.Error("upload failed", "path", p, "error", err)
				return nil
			}
			fmt.Fprintf(out, "%s\t%s\n", p, res.URL)
			return nil
		})
	}
	g.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}
	return nil
}
