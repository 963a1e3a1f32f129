package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"nstbot/internal/nst/backbone"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Manage model weight artifacts",
}

var weightsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write deterministic random weights with the expected layer tables, for development",
	RunE:  runWeightsInit,
}

func init() {
	weightsInitCmd.Flags().Uint64("seed", 1, "Random seed")
	weightsInitCmd.Flags().Int("width-divisor", 0, "Divide hidden widths (default weights.width_divisor)")
	weightsInitCmd.Flags().Bool("force", false, "Overwrite existing artifacts")
	weightsCmd.AddCommand(weightsInitCmd)
	rootCmd.AddCommand(weightsCmd)
}

func writeArtifact(path string, w backbone.Weights, metadata map[string]string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s exists, use --force to overwrite", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := backbone.WriteWeights(f, w, metadata); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return f.Close()
}

func runWeightsInit(cmd *cobra.Command, _ []string) error {
	seed, _ := cmd.Flags().GetUint64("seed")
	div, _ := cmd.Flags().GetInt("width-divisor")
	force, _ := cmd.Flags().GetBool("force")

	if div < 1 {
		div = cfg.Weights.WidthDivisor
	}

	metadata := map[string]string{
		"format":        "pt",
		"seed":          strconv.FormatUint(seed, 10),
		"width_divisor": strconv.Itoa(div),
	}

	if err := writeArtifact(cfg.Weights.Backbone, backbone.RandomWeights(backbone.VGG19Width(div), seed),
		metadata, force); err != nil {
		return err
	}

	if err := writeArtifact(cfg.Weights.Decoder, backbone.RandomWeights(backbone.DecoderWidth(div), seed+1),
		metadata, force); err != nil {
		return err
	}

	log.Info().
		Str("backbone", cfg.Weights.Backbone).
		Str("decoder", cfg.Weights.Decoder).
		Int("widthDivisor", div).
		Msg("weight artifacts written")

	if div != cfg.Weights.WidthDivisor {
		log.Warn().Int("configured", cfg.Weights.WidthDivisor).Int("written", div).
			Msg("set weights.width_divisor to match the written artifacts")
	}

	return nil
}
