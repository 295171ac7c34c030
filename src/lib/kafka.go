package lib

import (
	"context"
	"encoding/json"
	"errors"
	"gatekeeper/src/types"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const (
	TopicScans       = "scans"
	TopicScansFailed = "scans-failed"
)

var (
	producer   *kafka.Producer
	producerMu sync.Mutex
)

func GetKafkaProducerConfig(clientId string) kafka.ConfigMap {
	return kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
		"client.id":         clientId,
		"acks":              "all",
	}
}

func GetKafkaConsumerConfig(groupId string) kafka.ConfigMap {
	return kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
		"group.id":          groupId,
		"auto.offset.reset": "smallest",
		"retry.backoff.ms":  100,
	}
}

// GetKafkaProducer returns the shared producer, creating it on first use.
func GetKafkaProducer() (*kafka.Producer, error) {
	producerMu.Lock()
	defer producerMu.Unlock()
	if producer != nil {
		return producer, nil
	}
	if os.Getenv("KAFKA_BROKER") == "" {
		return nil, errors.New("KAFKA_BROKER is not set")
	}
	cfg := GetKafkaProducerConfig("gatekeeper-" + os.Getenv("DEVICE_ID"))
	p, err := kafka.NewProducer(&cfg)
	if err != nil {
		log.Printf("Error on producer: %s\n", err.Error())
		return nil, err
	}
	go func() {
		for e := range p.Events() {
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				log.Printf("[kafka] Delivery failed on %s: %s\n", *m.TopicPartition.Topic, m.TopicPartition.Error.Error())
			}
		}
	}()
	producer = p
	return p, nil
}

func KafkaProduceMessage(topic string, key string, payload any) error {
	p, err := GetKafkaProducer()
	if err != nil {
		return err
	}
	value, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshalling payload for %s: %s\n", topic, err.Error())
		return err
	}
	err = p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}, nil)
	if err != nil {
		log.Printf("Error producing message to %s: %s\n", topic, err.Error())
		return err
	}
	return nil
}

// KafkaConsumer polls topics until ctx is done, handing each message value
// to handler.
func KafkaConsumer(ctx context.Context, groupId string, topics []string, handler types.Handler) error {
	log.Println("Initializing kafka Consumer...")
	cfg := GetKafkaConsumerConfig(groupId)
	master, err := kafka.NewConsumer(&cfg)
	if err != nil {
		log.Printf("Error on master: %s\n", err.Error())
		return err
	}
	err = master.SubscribeTopics(topics, nil)
	if err != nil {
		log.Printf("Error on consumer: %s\n", err.Error())
		master.Close()
		return err
	}
	go func() {
		log.Printf("[BACKGROUND]: waiting for messages on %v...\n", topics)
		defer master.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ev := master.Poll(100)
			switch e := ev.(type) {
			case *kafka.Message:
				handler(string(e.Value))
			case kafka.Error:
				log.Printf("[kafka] Consumer error: %v\n", e)
				if e.IsFatal() {
					return
				}
			default:
			}
		}
	}()
	return nil
}

func KafkaCreateTopics(topics ...string) ([]kafka.TopicResult, error) {
	a, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
	})
	if err != nil {
		log.Printf("Error on AdminClient: %s\n", err.Error())
		return nil, err
	}
	defer a.Close()
	topicsDef := []kafka.TopicSpecification{}
	for _, topic := range topics {
		topicsDef = append(topicsDef, kafka.TopicSpecification{
			Topic:             topic,
			NumPartitions:     10,
			ReplicationFactor: 1,
		})
	}
	result, err := a.CreateTopics(context.Background(), topicsDef)
	if err != nil {
		log.Printf("Error creating topics: %s\n", err.Error())
		return nil, err
	}
	return result, nil
}

// KafkaLogSink publishes scan decisions to the scan log topics.
type KafkaLogSink struct{}

func (KafkaLogSink) LogScan(ctx context.Context, r types.ScanRecord) error {
	return KafkaProduceMessage(TopicScans, r.Subject(), r)
}

func (KafkaLogSink) LogFailedScan(ctx context.Context, r types.ScanRecord) error {
	return KafkaProduceMessage(TopicScansFailed, r.Subject(), r)
}

func uitoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
