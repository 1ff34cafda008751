package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/stk-bridge/internal/ihex"
	"github.com/bigbag/stk-bridge/internal/logging"
	"github.com/bigbag/stk-bridge/internal/stk500"
	"github.com/bigbag/stk-bridge/internal/storage"
	"github.com/bigbag/stk-bridge/internal/uploader"
)

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func loadImage(path string) (*ihex.Image, int, error) {
	img, err := ihex.Load(path)
	if err != nil {
		return nil, 0, err
	}

	address := img.Address
	if addressFlag >= 0 {
		address = addressFlag
	}
	fmt.Printf("Image: %s (%d bytes at 0x%04X)\n", path, img.Size(), address)
	return img, address, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	img, address, err := loadImage(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender, err := openSender(ctx, cfg.Radio, logging.Named(log, "link"))
	if err != nil {
		return err
	}
	defer sender.Close()

	payload := cfg.Session.PayloadSize
	total := (img.Size() + payload - 1) / payload
	bar := newProgressBar(total, "Uploading")

	u := uploader.New(sender,
		uploader.WithLogger(logging.Named(log, "uploader")),
		uploader.WithPayloadSize(payload),
		uploader.WithRetries(retriesFlag),
		uploader.WithProgressCallback(func(current, total int) {
			bar.Set(current)
			if current == total {
				bar.Finish()
				fmt.Println("Staged, flashing target...")
			}
		}),
	)

	if err := u.Upload(ctx, img.Data, address); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Println("Done!")
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	img, address, err := loadImage(args[0])
	if err != nil {
		return err
	}

	// Stage the image the same way the bridge does, in RAM.
	staged := storage.NewAdapter(storage.NewMemoryDevice(img.Size()), 0, img.Size())
	if err := staged.Write(0, img.Data); err != nil {
		return err
	}

	pages := (img.Size() + cfg.Target.PageSize - 1) / cfg.Target.PageSize
	bar := newProgressBar(pages, "Flashing")

	client, closeTarget, err := openTarget(cfg, logging.Named(log, "stk500"),
		stk500.WithProgressCallback(func(current, total int) {
			bar.Set(current)
		}),
	)
	if err != nil {
		return err
	}
	defer closeTarget()

	fmt.Println("Connecting to bootloader...")
	if err := client.Flash(staged, address, img.Size()); err != nil {
		return err
	}

	bar.Finish()
	fmt.Println("\nFlash complete!")
	return nil
}
