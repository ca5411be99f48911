package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/config"
	"github.com/sigerd/fieldsync/internal/core"
	"github.com/sigerd/fieldsync/internal/database"
	"github.com/sigerd/fieldsync/internal/ledger"
	"github.com/sigerd/fieldsync/internal/logging"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/remote/httpstore"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// device bundles an opened core service with its teardown.
type device struct {
	service *core.Service
	logger  *zap.Logger
	close   func()
}

func openDevice() (*device, error) {
	deviceConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(deviceConfig.LogLevel, "device", deviceConfig.DeviceID)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(deviceConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	store, err := records.NewSQLiteStore(records.SQLiteConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("records"),
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	var remote syncengine.RemoteStore
	if deviceConfig.Online() {
		remote, err = httpstore.New(httpstore.Config{
			BaseURL: deviceConfig.RemoteURL,
			Token:   deviceConfig.RemoteToken,
			Timeout: deviceConfig.RemoteTimeout,
			Logger:  logger.Named("httpstore"),
		})
		if err != nil {
			closeAll()
			return nil, err
		}
	}

	widths := make(map[records.EntityType]int)
	for _, entityType := range []records.EntityType{
		records.EntityDonation,
		records.EntityDistribution,
		records.EntityInspection,
		records.EntityInterdiction,
	} {
		widths[entityType] = deviceConfig.HumanIDWidth
	}

	service, err := core.NewService(core.Config{
		Store:         store,
		Remote:        remote,
		Watermarks:    syncengine.NewSQLiteWatermarks(db),
		HumanIDWidths: widths,
		Location:      time.Local,
		SyncInterval:  deviceConfig.SyncInterval,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	return &device{service: service, logger: logger, close: closeAll}, nil
}

// withDevice opens the device for the duration of fn.
func withDevice(fn func(*device) error) error {
	opened, err := openDevice()
	if err != nil {
		return err
	}
	defer opened.close()
	return fn(opened)
}

func newSyncCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending records and pull remote changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device) error {
				if watch {
					signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					d.logger.Info("sync loop starting")
					return d.service.RunSync(signalCtx)
				}
				report, err := d.service.SyncAll(cmd.Context())
				if err != nil {
					return err
				}
				printCycle(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep syncing on the configured interval until interrupted")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how much of the local data has reached the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device) error {
				progress, err := d.service.SyncProgress(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d of %d records (%.0f%%), %d pending\n",
					progress.Synced, progress.Total, progress.Fraction*100, progress.Pending)
				return nil
			})
		},
	}
}

func newNextIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next-id <entity-type>",
		Short: "Preview the next human id of an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, err := records.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			return withDevice(func(d *device) error {
				next, err := d.service.NextHumanID(cmd.Context(), entityType)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), next.String())
				return nil
			})
		},
	}
}

func newDonateCommand() *cobra.Command {
	var input ledger.DonationInput
	var quantity string
	cmd := &cobra.Command{
		Use:   "donate",
		Short: "Record an incoming donation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseQuantity(quantity)
			if err != nil {
				return err
			}
			input.Quantity = parsed
			return withDevice(func(d *device) error {
				result, err := d.service.RecordDonation(cmd.Context(), input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "donation %s recorded\n", result.Donation.HumanID)
				return printItem(cmd.OutOrStdout(), result.Item)
			})
		},
	}
	cmd.Flags().StringVar(&input.ItemDescription, "item", "", "Item description")
	cmd.Flags().StringVar(&input.Category, "category", "", "Item category")
	cmd.Flags().StringVar(&quantity, "quantity", "", "Donated quantity")
	cmd.Flags().StringVar(&input.Unit, "unit", "", "Unit of measure")
	cmd.Flags().StringVar(&input.Donor, "donor", "", "Donor name")
	cmd.Flags().StringVar(&input.DestinationID, "destination", "", "Destination location; defaults to central stock")
	return cmd
}

func newDistributeCommand() *cobra.Command {
	var input ledger.DistributionInput
	var quantity string
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Record an outgoing distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseQuantity(quantity)
			if err != nil {
				return err
			}
			input.Quantity = parsed
			return withDevice(func(d *device) error {
				result, err := d.service.RecordDistribution(cmd.Context(), input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "distribution %s recorded\n", result.Distribution.HumanID)
				return printItem(cmd.OutOrStdout(), result.Item)
			})
		},
	}
	cmd.Flags().StringVar(&input.ItemName, "item", "", "Item name")
	cmd.Flags().StringVar(&input.InventoryKey, "key", "", "Inventory record key")
	cmd.Flags().StringVar(&input.LocationID, "location", "", "Source location; defaults to central stock")
	cmd.Flags().StringVar(&quantity, "quantity", "", "Distributed quantity")
	cmd.Flags().StringVar(&input.Unit, "unit", "", "Unit of measure")
	cmd.Flags().StringVar(&input.Recipient, "recipient", "", "Recipient")
	return cmd
}

func newTransferCommand() *cobra.Command {
	var input ledger.TransferInput
	var quantity string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move stock between locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseQuantity(quantity)
			if err != nil {
				return err
			}
			input.Quantity = parsed
			return withDevice(func(d *device) error {
				result, err := d.service.TransferStock(cmd.Context(), input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "transfer %s recorded\n", result.Transfer.LocalKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input.ItemName, "item", "", "Item name")
	cmd.Flags().StringVar(&input.InventoryKey, "key", "", "Inventory record key at the source")
	cmd.Flags().StringVar(&input.FromLocation, "from", "", "Source location; defaults to central stock")
	cmd.Flags().StringVar(&input.ToLocation, "to", "", "Destination location")
	cmd.Flags().StringVar(&quantity, "quantity", "", "Transferred quantity")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	var locationID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare movements against stock at a location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device) error {
				report, err := d.service.Reconcile(cmd.Context(), locationID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "location:        %s\n", report.LocationID)
				fmt.Fprintf(out, "donated:         %s\n", report.TotalDonated)
				fmt.Fprintf(out, "transferred in:  %s\n", report.TotalTransferredIn)
				fmt.Fprintf(out, "distributed:     %s\n", report.TotalDistributed)
				fmt.Fprintf(out, "expected stock:  %s\n", report.ExpectedStock)
				fmt.Fprintf(out, "current stock:   %s\n", report.CurrentStock)
				fmt.Fprintf(out, "divergence:      %s\n", report.Divergence)
				fmt.Fprintf(out, "consistent:      %t\n", report.IsConsistent)
				if report.IncompleteDonations > 0 || report.IncompleteDistributions > 0 {
					fmt.Fprintf(out, "incomplete:      %d donations, %d distributions\n",
						report.IncompleteDonations, report.IncompleteDistributions)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&locationID, "location", records.CentralLocation, "Location to reconcile")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var itemName, locationID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the movements of an item at a location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device) error {
				movements, err := d.service.MovementHistory(cmd.Context(), itemName, locationID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, movement := range movements {
					fmt.Fprintf(out, "%s  %-13s %8s %-8s %s\n",
						movement.CreatedAt.Local().Format(time.DateTime),
						movement.Kind,
						movement.Delta.String(),
						movement.HumanID,
						movement.Counterparty)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemName, "item", "", "Item name")
	cmd.Flags().StringVar(&locationID, "location", records.CentralLocation, "Location")
	return cmd
}

func parseQuantity(raw string) (decimal.Decimal, error) {
	quantity, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid quantity %q: %w", raw, err)
	}
	return quantity, nil
}

func printItem(out io.Writer, record records.Record) error {
	if record.EntityType == "" {
		return nil
	}
	item, err := records.Decode[records.InventoryItem](record)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "stock of %s at %s: %s %s\n", item.ItemName, item.LocationID, item.Quantity, item.Unit)
	return nil
}

func printCycle(out io.Writer, report syncengine.CycleReport) {
	for _, push := range report.Pushes {
		if push.Attempted == 0 && push.TransportErr == nil {
			continue
		}
		fmt.Fprintf(out, "push %-15s pushed=%d rejected=%d deferred=%d%s\n",
			push.EntityType, push.Pushed, push.Rejected, push.Deferred, transportNote(push.TransportErr))
	}
	for _, pull := range report.Pulls {
		fmt.Fprintf(out, "pull %-15s %s%s\n", pull.EntityType, pullSummary(pull), transportNote(pull.TransportErr))
	}
	if report.Offline() {
		fmt.Fprintln(out, "hub unreachable; pending records stay queued")
	}
}

func transportNote(err error) string {
	if err == nil {
		return ""
	}
	return " (" + err.Error() + ")"
}

func pullSummary(pull syncengine.PullReport) string {
	return fmt.Sprintf("received=%d cached=%d merged=%d skipped=%d", pull.Received, pull.Cached, pull.Merged, pull.Skipped)
}
