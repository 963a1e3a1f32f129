package main

import (
	"fmt"
	"os"
	"time"

	"nstbot/internal/core/domain"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var stylizeCmd = &cobra.Command{
	Use:   "stylize",
	Short: "Run one style transfer locally, without queue or store",
	RunE:  runStylize,
}

func init() {
	stylizeCmd.Flags().String("content", "", "Content image (JPEG or PNG)")
	stylizeCmd.Flags().String("style", "", "Style image (JPEG or PNG)")
	stylizeCmd.Flags().StringP("output", "o", "", "Output JPEG file")
	stylizeCmd.Flags().String("algorithm", string(domain.AdaIN), "gatys or adain")
	stylizeCmd.Flags().Int("strength", 3, "Style strength (1-5)")
	stylizeCmd.MarkFlagRequired("content")
	stylizeCmd.MarkFlagRequired("style")
	stylizeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(stylizeCmd)
}

func runStylize(cmd *cobra.Command, _ []string) error {
	contentPath, _ := cmd.Flags().GetString("content")
	stylePath, _ := cmd.Flags().GetString("style")
	outputPath, _ := cmd.Flags().GetString("output")
	algName, _ := cmd.Flags().GetString("algorithm")
	strength, _ := cmd.Flags().GetInt("strength")

	alg, err := domain.ParseAlgorithm(algName)
	if err != nil {
		return err
	}

	profile, err := domain.ResolveProfile(alg, strength)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(contentPath)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}

	style, err := os.ReadFile(stylePath)
	if err != nil {
		return fmt.Errorf("reading style: %w", err)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := engine.Stylize(cmd.Context(), content, style, profile)
	if err != nil {
		return fmt.Errorf("style transfer: %w", err)
	}

	if err := os.WriteFile(outputPath, result, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	log.Info().
		Str("algorithm", string(alg)).
		Int("strength", strength).
		Dur("elapsed", time.Since(start)).
		Str("output", outputPath).
		Msg("style transfer done")

	return nil
}
