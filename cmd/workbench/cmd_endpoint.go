package main

import (
	"errors"
	"fmt"

	"ml-workbench/internal/platform"

	"github.com/spf13/cobra"
)

var (
	deleteEndpointName string
	deleteModelName    string
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage deployed endpoints",
}

var endpointDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete an endpoint, its config and optionally its model",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		name := deleteEndpointName
		if name == "" {
			name = recipe.Deploy.EndpointName
		}
		if name == "" {
			return errors.New("--endpoint is required when the recipe names no endpoint")
		}

		session, err := platformSession(ctx)
		if err != nil {
			return err
		}

		if err := session.DeleteEndpoint(ctx, platform.Endpoint{Name: name, ModelName: deleteModelName}); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "deleted endpoint %s\n", name)
		return nil
	},
}

func init() {
	endpointDeleteCmd.Flags().StringVarP(&deleteEndpointName, "endpoint", "e", "", "endpoint name, defaults to the recipe's")
	endpointDeleteCmd.Flags().StringVar(&deleteModelName, "model", "", "model to delete along with the endpoint")

	endpointCmd.AddCommand(endpointDeleteCmd)
}
