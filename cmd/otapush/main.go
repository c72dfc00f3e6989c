// otapush uploads a firmware image to a running device over TCP.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"otacore/internal/ota"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "otapush - upload a firmware image to a device")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage: otapush --addr host:port --file image.bin [--password pw] [--timeout d]")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		printUsage(stdout)
		return 0
	}
	fs := flag.NewFlagSet("otapush", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "device address host:port (required)")
	file := fs.String("file", "", "firmware image to upload (required)")
	password := fs.String("password", "", "device auth password")
	timeout := fs.Duration("timeout", 10*time.Second, "per-response timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || *file == "" {
		printUsage(stderr)
		return 1
	}

	image, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "reading image: %v\n", err)
		return 1
	}
	if len(image) == 0 {
		fmt.Fprintf(stderr, "image %s is empty\n", *file)
		return 1
	}

	lastDecile := -1
	err = ota.Push(*addr, image, ota.PushOptions{
		Password: *password,
		Timeout:  *timeout,
		OnProgress: func(sent, total uint32) {
			d := int(sent * 10 / total)
			if d > lastDecile {
				lastDecile = d
				fmt.Fprintf(stdout, "uploading: %d%%\n", d*10)
			}
		},
	})
	if err != nil {
		var de *ota.DeviceError
		if errors.As(err, &de) {
			fmt.Fprintf(stderr, "device rejected update: %v\n", de)
		} else {
			fmt.Fprintf(stderr, "upload failed: %v\n", err)
		}
		return 1
	}
	fmt.Fprintf(stdout, "upload complete, device rebooting (%d bytes)\n", len(image))
	return 0
}
