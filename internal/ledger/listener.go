package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Listener polls topics for new messages and hands them to the registered
// handlers. It decorates a MessageService, so the engine wires a single
// dependency for both publishing and subscribing.
type Listener struct {
	MessageService

	log          *zap.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	handlers map[string][]Handler
	cursors  map[string]int64

	stopListening chan bool
	wg            *sync.WaitGroup
}

func NewListener(logger *zap.Logger, service MessageService, pollInterval time.Duration) *Listener {
	return &Listener{
		MessageService: service,
		log:            logger,
		pollInterval:   pollInterval,
		handlers:       make(map[string][]Handler),
		cursors:        make(map[string]int64),
		wg:             &sync.WaitGroup{},
	}
}

// Subscribe registers a handler for a topic. Handlers registered before Start
// see every message from the topic head.
func (l *Listener) Subscribe(topicID string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topicID] = append(l.handlers[topicID], handler)
}

func (l *Listener) Start() error {
	l.stopListening = make(chan bool)
	go l.listenLoop(l.stopListening)
	return nil
}

func (l *Listener) Stop() error {
	l.stopListening <- true
	var allErr error
	l.log.Info("waiting for all the message handlers to finish...")
	l.wg.Wait()
	l.log.Info("message listener handlers finished")

	return allErr
}

func (l *Listener) listenLoop(stop chan bool) {
	l.log.Info("start listening on ledger topics")

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.wg.Add(1)
			l.pollOnce()
			l.wg.Done()
		}
	}
}

func (l *Listener) pollOnce() {
	l.mu.Lock()
	topics := make([]string, 0, len(l.handlers))
	for topicID := range l.handlers {
		topics = append(topics, topicID)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.pollInterval)
	defer cancel()

	for _, topicID := range topics {
		if err := l.pollTopic(ctx, topicID); err != nil {
			l.log.Error("error when polling topic " + topicID + ": " + err.Error())
		}
	}
}

func (l *Listener) pollTopic(ctx context.Context, topicID string) error {
	l.mu.Lock()
	from := l.cursors[topicID]
	handlers := append([]Handler(nil), l.handlers[topicID]...)
	l.mu.Unlock()

	messages, err := l.GetTopicMessages(ctx, topicID, from)
	if err != nil {
		return err
	}

	// messages are handled in ledger order on this goroutine; the relay
	// protocol depends on it
	var allErr error
	for _, msg := range messages {
		l.log.Info("message received: "+string(msg.Action), zap.String("topicId", topicID))

		for _, handler := range handlers {
			if err := handler(ctx, msg); err != nil {
				l.log.Error("error when handling the message: " + err.Error())
				allErr = multierr.Append(allErr, err)
			}
		}

		l.mu.Lock()
		if msg.Index >= l.cursors[topicID] {
			l.cursors[topicID] = msg.Index + 1
		}
		l.mu.Unlock()
	}
	return allErr
}
