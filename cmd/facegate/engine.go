package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/events"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/recognition/dlib"
	"github.com/MrCodeEU/facegate/pkg/similarity"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

// engine bundles the components built from the configuration.
type engine struct {
	store     storage.Store
	extractor recognition.Extractor
	// detector is set for the dlib backend, which can also find faces in
	// still images.
	detector *dlib.Recognizer
	aligner  *align.Aligner
	scorer   similarity.Scorer
	orch     *verify.Orchestrator
}

func openStore(ctx context.Context, c *config.Config) (storage.Store, error) {
	if err := c.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return storage.Open(ctx, storage.Options{
		Backend:           c.Storage.Backend,
		DataDir:           c.Storage.DataDir,
		EncryptionEnabled: c.Storage.EncryptionEnabled,
		SQLiteFile:        c.Storage.SQLiteFile,
		PostgresURL:       c.Storage.PostgresURL,
	})
}

func newScorer(c *config.Config) (similarity.Scorer, error) {
	metric, err := similarity.ParseMetric(c.Recognition.Metric)
	if err != nil {
		return similarity.Scorer{}, err
	}
	return similarity.NewScorer(metric, c.Recognition.MatchThreshold), nil
}

// newAligner sizes crops for the extractor. alignment.width and height
// only apply to extractors that do not declare an input size.
func newAligner(c *config.Config, x recognition.Extractor) *align.Aligner {
	w, h := x.InputSize()
	switch {
	case w <= 0 || h <= 0:
		w, h = c.Alignment.Width, c.Alignment.Height
	case w != c.Alignment.Width || h != c.Alignment.Height:
		logging.Component("align").Warnf("Configured crop size %dx%d ignored, the %s backend expects %dx%d",
			c.Alignment.Width, c.Alignment.Height, c.Recognition.Backend, w, h)
	}
	return align.New(align.Config{
		Width:   w,
		Height:  h,
		Padding: c.Alignment.Padding,
	})
}

// newExtractor builds the configured backend. A dlib model that fails to
// load leaves the extractor unavailable instead of failing, so the API can
// still report the degraded state.
func newExtractor(ctx context.Context, c *config.Config) (recognition.Extractor, *dlib.Recognizer) {
	log := logging.Component("recognition")
	switch c.Recognition.Backend {
	case "remote":
		remote := recognition.NewRemoteExtractor(recognition.RemoteConfig{
			URL:       c.Recognition.RemoteURL,
			Timeout:   c.Recognition.RemoteTimeout,
			Dimension: c.Recognition.Dimension,
			Width:     c.Alignment.Width,
			Height:    c.Alignment.Height,
		})
		if err := remote.Ping(ctx); err != nil {
			log.WithError(err).Warn("Remote inference service is not ready")
		}
		return remote, nil
	default:
		rec := dlib.NewRecognizer()
		if err := rec.LoadModels(c.Recognition.ModelPath); err != nil {
			log.WithError(err).Error("Face recognition models unavailable; run 'facegate download-models'")
		}
		return rec, rec
	}
}

func sessionOptions(c *config.Config) verify.Options {
	opts := verify.DefaultOptions()
	opts.RejectCooldown = c.Session.RejectCooldown
	opts.ErrorCooldown = c.Session.ErrorCooldown
	opts.Timeout = c.Session.Timeout
	opts.MaxAttempts = c.Session.MaxAttempts
	opts.PhotoQuality = c.Session.PhotoQuality
	opts.Liveness = liveness.Config{
		BlinkThreshold:   c.Liveness.BlinkThreshold,
		StaticFrameLimit: c.Liveness.StaticFrameLimit,
		MaxHeadYaw:       c.Liveness.MaxHeadYaw,
		MaxHeadRoll:      c.Liveness.MaxHeadRoll,
	}
	return opts
}

func eventsConfig(c *config.Config) events.Config {
	return events.Config{
		Enabled:     c.MQTT.Enabled,
		Broker:      c.MQTT.Broker,
		Port:        c.MQTT.Port,
		ClientID:    c.MQTT.ClientID,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         byte(c.MQTT.QoS),
	}
}

func newEngine(ctx context.Context, c *config.Config) (*engine, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	scorer, err := newScorer(c)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	extractor, detector := newExtractor(ctx, c)
	aligner := newAligner(c, extractor)

	return &engine{
		store:     store,
		extractor: extractor,
		detector:  detector,
		aligner:   aligner,
		scorer:    scorer,
		orch:      verify.New(extractor, aligner, scorer, store, sessionOptions(c)),
	}, nil
}

// embed aligns and extracts one face.
func (e *engine) embed(ctx context.Context, img []byte, region *align.FaceRegion) (*recognition.AlignedCrop, recognition.Embedding, error) {
	if region == nil {
		if e.detector == nil {
			return nil, nil, errors.New("the remote backend cannot detect faces; pass --box")
		}
		face, err := e.detector.DetectSingleFace(img)
		if err != nil {
			return nil, nil, err
		}
		region = &face.Region
	}

	_, frame, err := camera.Decode(img)
	if err != nil {
		return nil, nil, err
	}

	crop, err := e.aligner.Align(frame, *region)
	if err != nil {
		return nil, nil, err
	}
	emb, err := recognition.ExtractValidated(ctx, e.extractor, crop)
	if err != nil {
		return nil, nil, err
	}
	return crop, emb, nil
}

// embedAll embeds one face per image and averages the embeddings. The crop
// of the first image is returned for the enrollment photo.
func (e *engine) embedAll(ctx context.Context, paths []string, region *align.FaceRegion) (*recognition.AlignedCrop, recognition.Embedding, error) {
	var (
		first      *recognition.AlignedCrop
		embeddings []recognition.Embedding
	)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read image: %w", err)
		}
		crop, emb, err := e.embed(ctx, data, region)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		if first == nil {
			first = crop
		}
		embeddings = append(embeddings, emb)
	}
	if first == nil {
		return nil, nil, errors.New("no images given")
	}
	return first, recognition.Average(embeddings), nil
}

func (e *engine) Close() {
	e.orch.Close()
	if e.detector != nil {
		e.detector.Close()
	}
	if err := e.store.Close(); err != nil {
		logging.WithError(err).Warn("Failed to close identity store")
	}
}
