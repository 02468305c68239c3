package subscriber

import (
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/dataengineering/salestream/pkg/shared/logging"
)

// consumerHandler bridges sarama's consumer-group callbacks to a bounded
// message channel the poll loop drains.
type consumerHandler struct {
	ready       chan bool
	readyCloser sync.Once
	messages    chan *sarama.ConsumerMessage
	sessLock    sync.RWMutex
	sess        sarama.ConsumerGroupSession
	logger      *zap.SugaredLogger
}

func newConsumerHandler(readChanSize int) *consumerHandler {
	return &consumerHandler{
		ready:    make(chan bool),
		messages: make(chan *sarama.ConsumerMessage, readChanSize),
		logger:   logging.NewLogger(),
	}
}

func (consumer *consumerHandler) session() sarama.ConsumerGroupSession {
	consumer.sessLock.RLock()
	defer consumer.sessLock.RUnlock()
	return consumer.sess
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (consumer *consumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	consumer.sessLock.Lock()
	consumer.sess = sess
	consumer.sessLock.Unlock()
	consumer.readyCloser.Do(func() {
		close(consumer.ready)
	})
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines
// have exited. Marked offsets are committed so surviving members resume
// from the right position after the rebalance.
func (consumer *consumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	sess.Commit()
	consumer.sessLock.Lock()
	consumer.sess = nil
	consumer.sessLock.Unlock()
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (consumer *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			// the messages buffer may be full when the poll loop has
			// already stopped; never block past the session's end
			select {
			case consumer.messages <- msg:
			case <-session.Context().Done():
				consumer.logger.Info("context was canceled, stopping consumer claim")
				return nil
			}
		case <-session.Context().Done():
			consumer.logger.Info("context was canceled, stopping consumer claim")
			return nil
		}
	}
}
