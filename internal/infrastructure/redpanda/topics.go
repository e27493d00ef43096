// Package redpanda carries prescription events and audit records over the
// Kafka protocol using franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics
const (
	// TopicPrescriptionEvents receives outbox events of types with no route
	// of their own. Every prescription topic is keyed by patient, so one
	// patient's changes stay ordered within a partition.
	TopicPrescriptionEvents = "prescription.events"
	// TopicPrescriptionCreated receives new and continued prescriptions
	TopicPrescriptionCreated = "prescription.created"
	// TopicPrescriptionModified receives field changes
	TopicPrescriptionModified = "prescription.modified"
	// TopicPrescriptionDiscontinued receives discontinuations
	TopicPrescriptionDiscontinued = "prescription.discontinued"
	// TopicAuditTrail receives one record per successful data modification
	TopicAuditTrail = "audit.trail"
	// TopicDeadLetter receives outbox entries that exhausted their retries
	TopicDeadLetter = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the services expect to exist
func DefaultTopicConfigs(replication int16) []TopicConfig {
	if replication < 1 {
		replication = 1
	}
	ptr := func(s string) *string { return &s }

	var topics []TopicConfig
	for _, name := range []string{
		TopicPrescriptionEvents,
		TopicPrescriptionCreated,
		TopicPrescriptionModified,
		TopicPrescriptionDiscontinued,
	} {
		topics = append(topics, TopicConfig{
			Name:              name,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		})
	}

	return append(topics,
		TopicConfig{
			Name:              TopicAuditTrail,
			Partitions:        3,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				// the archive in MongoDB is the long-term record
				"retention.ms":     ptr("2592000000"), // 30 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		TopicConfig{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":   ptr("1209600000"), // 14 days
				"cleanup.policy": ptr("delete"),
			},
		},
	)
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics. Topics that already exist are left
// untouched and reported as not created.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	var created []string
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return created, fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return created, fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			created = append(created, r.Topic)
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return created, nil
}

// EnsureTopics creates any missing topic from DefaultTopicConfigs
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) ([]string, error) {
	return a.CreateTopics(ctx, DefaultTopicConfigs(replication))
}

// ListTopics returns the topic names, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// GroupLag returns the total lag per topic for a consumer group
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				result[topic] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
