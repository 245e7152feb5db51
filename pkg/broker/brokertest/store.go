package brokertest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueues   = []byte("queues")
	bucketMessages = []byte("messages")
)

// store persists durable queues and their persistent messages in bbolt.
// Layout: queues/<name> -> "durable", messages/<name>/<seq> -> storedMessage.
type store struct {
	db   *bolt.DB
	path string
}

type storedMessage struct {
	Body         []byte         `json:"body"`
	MessageID    string         `json:"message_id,omitempty"`
	ContentType  string         `json:"content_type,omitempty"`
	Headers      map[string]any `json:"headers,omitempty"`
	DeliveryMode uint8          `json:"delivery_mode"`
	Timestamp    time.Time      `json:"timestamp"`
}

func openStore(path string) (*store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open broker store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketQueues); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init broker store: %w", err)
	}
	return &store{db: db, path: path}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) putQueue(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketQueues).Put([]byte(name), []byte("durable")); err != nil {
			return err
		}
		_, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(name))
		return err
	})
}

func (s *store) putMessage(queue string, m *message) error {
	data, err := json.Marshal(storedMessage{
		Body:         m.body,
		MessageID:    m.messageID,
		ContentType:  m.contentType,
		Headers:      m.headers,
		DeliveryMode: m.deliveryMode,
		Timestamp:    m.timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(m.seq), data)
	})
}

func (s *store) deleteMessage(queue string, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(seqKey(seq))
	})
}

// load rebuilds the durable queues in sequence order and returns the highest sequence seen.
func (s *store) load() (map[string]*queue, uint64, error) {
	queues := map[string]*queue{}
	var maxSeq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		return tx.Bucket(bucketQueues).ForEach(func(name, _ []byte) error {
			q := &queue{name: string(name), durable: true}
			queues[q.name] = q
			bucket := messages.Bucket(name)
			if bucket == nil {
				return nil
			}
			return bucket.ForEach(func(k, v []byte) error {
				var stored storedMessage
				if err := json.Unmarshal(v, &stored); err != nil {
					return fmt.Errorf("decode message in %s: %w", q.name, err)
				}
				seq := binary.BigEndian.Uint64(k)
				if seq > maxSeq {
					maxSeq = seq
				}
				q.ready = append(q.ready, &message{
					seq:          seq,
					body:         stored.Body,
					messageID:    stored.MessageID,
					contentType:  stored.ContentType,
					headers:      amqp.Table(stored.Headers),
					deliveryMode: stored.DeliveryMode,
					timestamp:    stored.Timestamp,
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return queues, maxSeq, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
