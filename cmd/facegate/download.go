package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/facegate/pkg/logging"
)

// dlibModels are the files go-face loads from the model directory.
var dlibModels = []struct {
	Name string
	URL  string
}{
	{
		Name: "shape_predictor_5_face_landmarks.dat",
		URL:  "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	},
	{
		Name: "dlib_face_recognition_resnet_model_v1.dat",
		URL:  "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	},
	{
		Name: "mmod_human_face_detector.dat",
		URL:  "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download-models [directory]",
	Short: "Download the dlib face models",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modelDir := cfg.Recognition.ModelPath
		if len(args) > 0 {
			modelDir = args[0]
		}
		return downloadModels(cmd.Context(), modelDir)
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}

func downloadModels(ctx context.Context, modelDir string) error {
	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	for _, model := range dlibModels {
		targetPath := filepath.Join(modelDir, model.Name)
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", model.Name)
			continue
		}

		logging.Infof("Downloading %s...", model.Name)
		if err := downloadAndExtract(ctx, model.URL, targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", model.Name, err)
		}
		logging.Infof("Successfully downloaded %s", model.Name)
	}

	logging.Info("All models downloaded successfully!")
	return nil
}

// downloadAndExtract writes to a temporary file first so an interrupted
// download never leaves a truncated model behind.
func downloadAndExtract(ctx context.Context, url, targetPath string) error {
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tmpPath := targetPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, bzip2.NewReader(resp.Body)); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, targetPath)
}
