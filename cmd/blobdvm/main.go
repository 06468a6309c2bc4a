package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fiatjaf/blobdvm"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "blobdvm",
		Usage: "content-addressed file storage over nostr",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "relays",
				Usage:   "relay urls to connect to",
				Value:   cli.NewStringSlice("wss://relay.damus.io"),
				EnvVars: []string{"BLOBDVM_RELAYS"},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "secret key (nsec or hex); client commands generate a throwaway key when unset",
				EnvVars: []string{"BLOBDVM_PRIVATE_KEY"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "store a file and print its hash",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "specific server pubkey"},
				},
				Action: uploadAction,
			},
			{
				Name:      "download",
				Usage:     "fetch a file by hash",
				ArgsUsage: "<hash>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file path"},
					&cli.StringFlag{Name: "server", Usage: "specific server pubkey"},
				},
				Action: downloadAction,
			},
			{
				Name:      "delete",
				Usage:     "ask a server to forget a file",
				ArgsUsage: "<hash>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "specific server pubkey"},
				},
				Action: deleteAction,
			},
			{
				Name:   "list-servers",
				Usage:  "discover blob storage servers",
				Action: listServersAction,
			},
			{
				Name:  "serve",
				Usage: "run a blob storage server",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "retention", Usage: "how long stored files live", Value: blobdvm.DefaultRetention},
					&cli.Int64Flag{Name: "max-stored-bytes", Usage: "cap on live bytes held (0 = unbounded)"},
				},
				Action: serveAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var pe *blobdvm.ProtocolError
		if errors.As(err, &pe) {
			fmt.Fprintln(os.Stderr, pe.Code+": "+pe.Message)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// clientKey resolves the --private-key flag, generating a throwaway key when
// none is given.
func clientKey(cctx *cli.Context) (string, error) {
	if key := cctx.String("private-key"); key != "" {
		return blobdvm.ParseKey(key)
	}

	sk := nostr.GeneratePrivateKey()
	if nsec, err := nip19.EncodePrivateKey(sk); err == nil {
		fmt.Fprintln(os.Stderr, "using temporary key "+nsec)
	}
	return sk, nil
}

func newClient(cctx *cli.Context) (*blobdvm.Client, error) {
	sk, err := clientKey(cctx)
	if err != nil {
		return nil, err
	}
	client, err := blobdvm.NewClient(sk)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(cctx.Context, cctx.StringSlice("relays")); err != nil {
		return nil, err
	}
	return client, nil
}

func uploadAction(cctx *cli.Context) error {
	if cctx.NArg() != 1 {
		return cli.Exit("usage: blobdvm upload <path>", 1)
	}
	path := cctx.Args().First()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Upload(cctx.Context, data, filepath.Base(path), cctx.String("server"))
	if err != nil {
		return err
	}

	fmt.Printf("hash: %s\n", resp.Hash)
	fmt.Printf("size: %d bytes\n", resp.Size)
	fmt.Printf("chunks: %d\n", resp.Chunks)
	fmt.Printf("expires: %s\n", time.Unix(resp.Expires, 0).Format(time.RFC3339))
	return nil
}

func downloadAction(cctx *cli.Context) error {
	if cctx.NArg() != 1 {
		return cli.Exit("usage: blobdvm download <hash>", 1)
	}
	hash := cctx.Args().First()

	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Download(cctx.Context, hash, cctx.String("server"))
	if err != nil {
		return err
	}

	if output := cctx.String("output"); output != "" {
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), output)
		return nil
	}

	_, err = os.Stdout.Write(data)
	return err
}

func deleteAction(cctx *cli.Context) error {
	if cctx.NArg() != 1 {
		return cli.Exit("usage: blobdvm delete <hash>", 1)
	}

	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Delete(cctx.Context, cctx.Args().First(), cctx.String("server"))
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", resp.Hash, resp.Status)
	return nil
}

func listServersAction(cctx *cli.Context) error {
	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	defer client.Close()

	servers, err := client.DiscoverServers(cctx.Context)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("no servers found")
		return nil
	}

	for _, sd := range servers {
		fmt.Printf("server: %s\n", sd.Pubkey)
		if sd.Name != "" {
			fmt.Printf("  name: %s\n", sd.Name)
		}
		if sd.About != "" {
			fmt.Printf("  about: %s\n", sd.About)
		}
		if sd.MaxFileSize > 0 {
			fmt.Printf("  max file size: %.1f MB\n", float64(sd.MaxFileSize)/(1024*1024))
		}
		if sd.ChunkSize > 0 {
			fmt.Printf("  chunk size: %.0f KB\n", float64(sd.ChunkSize)/1024)
		}
		if sd.RetentionHours > 0 {
			fmt.Printf("  retention: %d hours\n", sd.RetentionHours)
		}
		fmt.Println()
	}
	return nil
}

func serveAction(cctx *cli.Context) error {
	key := cctx.String("private-key")
	if key == "" {
		return cli.Exit("serve requires --private-key", 1)
	}
	sk, err := blobdvm.ParseKey(key)
	if err != nil {
		return err
	}

	server, err := blobdvm.NewServer(sk)
	if err != nil {
		return err
	}
	server.Retention = cctx.Duration("retention")
	server.MaxStoredBytes = cctx.Int64("max-stored-bytes")

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "starting server with pubkey %s\n", server.PublicKey())
	return server.Start(ctx, cctx.StringSlice("relays"))
}
