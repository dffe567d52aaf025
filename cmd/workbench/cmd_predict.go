package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"ml-workbench/internal/inference"
	"ml-workbench/internal/platform"

	"github.com/spf13/cobra"
)

var (
	predictEndpoint string
	predictTopK     int
	predictImage    string
	imageWidth      int
	imageHeight     int
)

type predictRequest struct {
	Inputs     []string          `json:"inputs"`
	Parameters predictParameters `json:"parameters"`
}

type predictParameters struct {
	TopK int `json:"top_k"`
}

var predictCmd = &cobra.Command{
	Use:   "predict [text...]",
	Short: "Send texts, or an image with --image, to a deployed endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		endpoint := predictEndpoint
		if endpoint == "" {
			endpoint = recipe.Deploy.EndpointName
		}
		if endpoint == "" {
			return errors.New("--endpoint is required when the recipe names no endpoint")
		}

		session, err := platformSession(ctx)
		if err != nil {
			return err
		}
		predictor := platform.NewPredictor(session.Runtime(), endpoint)

		if predictImage != "" {
			data, err := os.ReadFile(predictImage)
			if err != nil {
				return fmt.Errorf("error reading image: %w", err)
			}
			resized, err := inference.ResizeImage(data, imageWidth, imageHeight)
			if err != nil {
				return err
			}
			res, err := predictor.Invoke(ctx, resized, "image/jpeg", "application/json")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(res))
			return nil
		}

		if len(args) == 0 {
			return errors.New("at least one text is required")
		}

		var res any
		if err := predictor.Predict(ctx, predictRequest{Inputs: args, Parameters: predictParameters{TopK: predictTopK}}, &res); err != nil {
			return err
		}

		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	predictCmd.Flags().StringVarP(&predictEndpoint, "endpoint", "e", "", "endpoint name, defaults to the recipe's")
	predictCmd.Flags().IntVarP(&predictTopK, "top-k", "k", 1, "number of labels to return per text")
	predictCmd.Flags().StringVar(&predictImage, "image", "", "jpeg or png to resize and send instead of text")
	predictCmd.Flags().IntVar(&imageWidth, "width", 224, "width to resize --image to")
	predictCmd.Flags().IntVar(&imageHeight, "height", 0, "height to resize --image to, 0 keeps the aspect ratio")
}
