package commands

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"

	"github.com/dataengineering/salestream/pkg/config"
	"github.com/dataengineering/salestream/pkg/event"
	"github.com/dataengineering/salestream/pkg/publisher"
	"github.com/dataengineering/salestream/pkg/shared/logging"
)

// NewPublishCommand injects synthetic sale events into the raw topic,
// mainly for smoke testing a deployment.
func NewPublishCommand() *cobra.Command {
	var (
		configFile string
		customerID string
		amount     float64
		currency   string
		location   string
		count      int
		interval   time.Duration
	)

	command := &cobra.Command{
		Use:   "publish",
		Short: "Publish synthetic sale events",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("publish")
			settings, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration, %w", err)
			}
			if count < 1 {
				return fmt.Errorf("invalid count %d, must be at least 1", count)
			}

			events := make([]event.SaleEvent, count)
			for i := range events {
				e, err := event.New("", customerID, amount, time.Now().UTC(),
					event.WithCurrency(currency), event.WithLocation(location))
				if err != nil {
					return err
				}
				events[i] = e
			}

			saramaCfg, err := settings.SaramaConfig()
			if err != nil {
				return err
			}
			client, err := sarama.NewClient(settings.Brokers, saramaCfg)
			if err != nil {
				return fmt.Errorf("failed to connect to %v, %w", settings.Brokers, err)
			}
			defer func() { _ = client.Close() }()
			pub, err := publisher.NewPublisher(client, settings.RawTopic, publisher.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = pub.Close() }()

			for i, e := range events {
				receipt, err := pub.PublishSync(cmd.Context(), e)
				if err != nil {
					return fmt.Errorf("failed to publish event %d of %d, %w", i+1, count, err)
				}
				log.Infow("Published", "event", e.ID,
					"partition", receipt.Partition, "offset", receipt.Offset)
				if interval > 0 && i < count-1 {
					time.Sleep(interval)
				}
			}
			return nil
		},
	}
	command.Flags().StringVar(&configFile, "config", "", "Path to a YAML settings file, optional")
	command.Flags().StringVar(&customerID, "customer", "smoke-test", "Customer identifier to key the events with")
	command.Flags().Float64Var(&amount, "amount", 42.0, "Transaction amount")
	command.Flags().StringVar(&currency, "currency", "USD", "Transaction currency")
	command.Flags().StringVar(&location, "location", "", "Originating location, optional")
	command.Flags().IntVar(&count, "count", 1, "Number of events to publish")
	command.Flags().DurationVar(&interval, "interval", 0, "Delay between events")
	return command
}
