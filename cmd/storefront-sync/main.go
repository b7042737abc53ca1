// Copyright 2022 bytetrade
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

func main() {
	cmd := newRootCommand()
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer glog.Flush()

	if err := cmd.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "storefront-sync",
		Short:        "Order chat and payment sync client for the storefront API",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("STOREFRONT_CONFIG"), "optional yaml config file")

	cmd.AddCommand(
		newChatCommand(&configPath),
		newPayCommand(&configPath),
		newCheckoutCommand(&configPath),
	)

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	return cmd
}

func newChatCommand(configPath *string) *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "chat <orderId>",
		Short: "Follow an order chat; each stdin line is sent as a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseID(args[0])
			if err != nil {
				return err
			}
			app, err := newApp(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()
			author := types.AuthorBuyer
			if admin {
				author = types.AuthorAdmin
			}
			return app.RunChat(ctx, orderID, author, cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "send as the shop admin")
	return cmd
}

func newPayCommand(configPath *string) *cobra.Command {
	var rail string
	var openChat bool
	cmd := &cobra.Command{
		Use:   "pay <orderId>",
		Short: "Pay a pending order and watch its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := types.ParseRail(rail)
			if err != nil {
				return err
			}
			app, err := newApp(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()
			return app.RunPay(ctx, orderID, r, openChat, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&rail, "rail", string(types.RailStars), "payment rail: stars or card")
	cmd.Flags().BoolVar(&openChat, "chat", false, "open the order chat once the payment is confirmed")
	return cmd
}

func newCheckoutCommand(configPath *string) *cobra.Command {
	var rail string
	var quantity int
	var openChat bool
	cmd := &cobra.Command{
		Use:   "checkout <productId>",
		Short: "Create an order for a product and pay it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := types.ParseRail(rail)
			if err != nil {
				return err
			}
			app, err := newApp(*configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext()
			defer stop()
			order, err := app.client.CreateOrder(ctx, productID, quantity)
			if err != nil {
				return errors.Wrapf(err, "create order for product %d", productID)
			}
			app.printf("order %d created\n", order.ID)
			return app.RunPay(ctx, order.ID, r, openChat, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&rail, "rail", string(types.RailStars), "payment rail: stars or card")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "number of items")
	cmd.Flags().BoolVar(&openChat, "chat", false, "open the order chat once the payment is confirmed")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(api.ErrInvalidOrder, "%q is not a positive id", s)
	}
	return id, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
