package main

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/facegate/pkg/align"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

var (
	identityName string
	faceBox      string
	forceEnroll  bool
)

var registerCmd = &cobra.Command{
	Use:   "register <key>",
	Short: "Register an identity; its first kiosk session enrolls the face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		name := identityName
		if name == "" {
			name = args[0]
		}
		if err := store.Create(cmd.Context(), &storage.IdentityRecord{Key: args[0], Name: name}); err != nil {
			if errors.Is(err, storage.ErrIdentityExists) {
				return fmt.Errorf("identity '%s' already exists", args[0])
			}
			return err
		}

		fmt.Printf("Identity '%s' registered. It will be enrolled at its first kiosk session.\n", args[0])
		return nil
	},
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <key> <image>...",
	Short: "Enroll an identity from still photos",
	Long: `Enroll an identity from one or more still JPEG or PNG photos. With
several photos the enrolled embedding is their average, and the first photo
is kept as the identity's picture.

The face is located with the dlib detector, or taken from --box when the
remote backend is configured. Still photos bypass the liveness check, so
this is an administrator operation.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, paths := args[0], args[1:]
		ctx := cmd.Context()

		region, err := parseBox(faceBox)
		if err != nil {
			return err
		}

		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		existing, err := eng.store.GetByKey(ctx, key)
		switch {
		case err == nil && existing.Enrolled() && !forceEnroll:
			return fmt.Errorf("identity '%s' is already enrolled. Use --force to replace the enrollment or 'facegate remove %s' first", key, key)
		case err != nil && !errors.Is(err, storage.ErrIdentityNotFound):
			return err
		}

		fmt.Printf("Enrolling '%s' from %d photo(s)...\n", key, len(paths))
		crop, emb, err := eng.embedAll(ctx, paths, region)
		if err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}
		photo, err := verify.EncodePhoto(crop, cfg.Session.PhotoQuality)
		if err != nil {
			return fmt.Errorf("failed to encode photo: %w", err)
		}

		record := existing
		if record == nil {
			record = &storage.IdentityRecord{Key: key, Name: key}
		}
		if identityName != "" {
			record.Name = identityName
		}
		record.Embedding = emb
		record.Photo = photo
		record.EnrolledAt = time.Now()

		if existing == nil {
			err = eng.store.Create(ctx, record)
		} else {
			err = eng.store.Update(ctx, record)
		}
		if err != nil {
			return fmt.Errorf("failed to save enrollment: %w", err)
		}

		logging.Infof("Enrolled identity %s from %d photo(s)", key, len(paths))
		fmt.Printf("Identity '%s' enrolled (%d-dimensional embedding).\n", key, len(emb))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Debug("Listing identities")

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No identities registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "KEY\tNAME\tENROLLED\tLAST VERIFIED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Key, r.Name, formatTime(r.EnrolledAt), formatTime(r.LastVerified))
		}
		w.Flush()
		fmt.Printf("\nTotal: %d identity(s)\n", len(records))
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove an identity and its face data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, storage.ErrIdentityNotFound) {
				return fmt.Errorf("identity '%s' is not registered", args[0])
			}
			return err
		}

		logging.Infof("Removed identity %s", args[0])
		fmt.Printf("Face data for '%s' has been removed.\n", args[0])
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&identityName, "name", "", "Display name (default: the key)")
	enrollCmd.Flags().StringVar(&identityName, "name", "", "Display name (default: the key)")
	enrollCmd.Flags().StringVar(&faceBox, "box", "", "Face box as left,top,right,bottom instead of detecting it")
	enrollCmd.Flags().BoolVar(&forceEnroll, "force", false, "Replace an existing enrollment")
	rootCmd.AddCommand(registerCmd, enrollCmd, listCmd, removeCmd)
}

// parseBox reads "left,top,right,bottom". An empty string means detect.
func parseBox(s string) (*align.FaceRegion, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid --box %q: want left,top,right,bottom", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid --box %q: %w", s, err)
		}
		v[i] = n
	}
	// image.Rect would silently swap inverted corners.
	if v[2] <= v[0] || v[3] <= v[1] {
		return nil, fmt.Errorf("invalid --box %q: right and bottom must exceed left and top", s)
	}
	return &align.FaceRegion{Box: image.Rect(v[0], v[1], v[2], v[3])}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
