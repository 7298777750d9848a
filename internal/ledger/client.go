package ledger

import (
	bytes2 "bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"policy-engine/internal/hashing"
	"policy-engine/internal/model"

	"github.com/fxamacker/cbor"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	topicsAPI              string = "topics"
	messagesAPI            string = "messages"
	messageStatusAPI       string = "message_statuses"
	contentTypeOctetStream string = "application/octet-stream"

	submitWait uint = 5
)

// Client submits messages to the ledger REST API and reads them back.
type Client struct {
	logger *zap.Logger
	url    string
}

func NewClient(logger *zap.Logger, ledgerRestAPIUrl string) *Client {
	return &Client{logger: logger, url: ledgerRestAPIUrl}
}

// Publish appends the message to a topic, waits until it leaves PENDING and
// returns the id assigned by the ledger.
func (c *Client) Publish(ctx context.Context, topicID string, msg Message) (string, error) {
	payload := make(map[string]interface{})
	payload["action"] = string(msg.Action)
	payload["sender"] = msg.Sender
	payload["payload"] = msg.Payload

	payloadDump, err := cbor.Marshal(payload, cbor.CanonicalEncOptions())
	if err != nil {
		return "", errors.New("failed to dump the payload: " + err.Error())
	}

	apiSuffix := fmt.Sprintf("%s/%s/%s", topicsAPI, topicID, messagesAPI)
	response, err := c.sendRequest(apiSuffix, payloadDump, contentTypeOctetStream)
	if err != nil {
		return "", err
	}

	messageID, err := readMessageID(response)
	if err != nil {
		return "", err
	}

	waitTime := uint(0)
	startTime := time.Now()
	for waitTime < submitWait {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		status, err := c.getStatus(messageID, submitWait-waitTime)
		if err != nil {
			return "", err
		}
		waitTime = uint(time.Since(startTime))
		if status != "PENDING" {
			c.logger.Debug("message " + messageID + " status: " + status)
			if status != "COMMITTED" && status != "OK" {
				return "", errors.New("message " + messageID + " not committed, status: " + status)
			}
			return messageID, nil
		}
	}

	c.logger.Warn("message still pending after the wait period", zap.String("messageId", messageID))
	return messageID, nil
}

// GetTopicMessages reads the topic tail starting at fromIndex.
func (c *Client) GetTopicMessages(ctx context.Context, topicID string, fromIndex int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	apiSuffix := fmt.Sprintf("%s/%s/%s?from=%d", topicsAPI, topicID, messagesAPI, fromIndex)
	response, err := c.sendRequest(apiSuffix, []byte{}, "")
	if err != nil {
		return nil, err
	}

	responseMap := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(response), &responseMap); err != nil {
		return nil, errors.New(fmt.Sprintf("Error reading response: %v", err))
	}
	entries, _ := responseMap["data"].([]interface{})
	messages := make([]Message, 0, len(entries))
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		messages = append(messages, decodeMessage(topicID, entry))
	}
	return messages, nil
}

// LoadDocument resolves a published document by its message id.
func (c *Client) LoadDocument(ctx context.Context, messageID string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	response, err := c.sendRequest(messagesAPI+"/"+messageID, []byte{}, "")
	if err != nil {
		return nil, err
	}

	responseMap := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(response), &responseMap); err != nil {
		return nil, errors.New(fmt.Sprintf("Error reading response: %v", err))
	}
	entry, ok := responseMap["data"].(map[string]interface{})
	if !ok {
		return nil, errors.New("message " + messageID + " carries no document")
	}
	doc, ok := entry["document"].(map[string]interface{})
	if !ok {
		return nil, errors.New("message " + messageID + " carries no document")
	}
	return doc, nil
}

// Subscribe is served by the polling Listener; the bare client rejects it.
func (c *Client) Subscribe(string, Handler) {
	c.logger.Warn("Subscribe called on the bare ledger client; wrap it in a Listener")
}

func (c *Client) getStatus(messageID string, wait uint) (string, error) {
	apiSuffix := fmt.Sprintf("%s?id=%s&wait=%d", messageStatusAPI, messageID, wait)
	response, err := c.sendRequest(apiSuffix, []byte{}, "")
	if err != nil {
		return "", err
	}

	responseMap := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(response), &responseMap); err != nil {
		return "", errors.New(fmt.Sprintf("Error reading response: %v", err))
	}
	entries, ok := responseMap["data"].([]interface{})
	if !ok || len(entries) == 0 {
		return "", errors.New("status response carries no data")
	}
	entry, ok := entries[0].(map[string]interface{})
	if !ok {
		return "", errors.New("status response carries no data")
	}
	return fmt.Sprint(entry["status"]), nil
}

func (c *Client) sendRequest(
	apiSuffix string,
	data []byte,
	contentType string) (string, error) {

	var url string
	if strings.HasPrefix(c.url, "http://") || strings.HasPrefix(c.url, "https://") {
		url = fmt.Sprintf("%s/%s", c.url, apiSuffix)
	} else {
		url = fmt.Sprintf("http://%s/%s", c.url, apiSuffix)
	}

	var response *http.Response
	var err error
	if len(data) > 0 {
		response, err = http.Post(url, contentType, bytes2.NewBuffer(data))
	} else {
		response, err = http.Get(url)
	}
	if err != nil {
		return "", errors.New(
			fmt.Sprintf("Failed to connect to REST API: %v", err))
	}
	if response.StatusCode == 404 {
		c.logger.Debug(fmt.Sprintf("%v", response))
		return "", errors.New("responded with status 404")
	} else if response.StatusCode >= 400 {
		return "", errors.New(
			fmt.Sprintf("Error %d: %s", response.StatusCode, response.Status))
	}
	defer response.Body.Close()
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", errors.New(fmt.Sprintf("Error reading response: %v", err))
	}
	return string(responseBody), nil
}

func readMessageID(response string) (string, error) {
	responseMap := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(response), &responseMap); err != nil {
		return "", errors.New(fmt.Sprintf("Error reading response: %v", err))
	}
	entry, ok := responseMap["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("submit response carries no data")
	}
	id := fmt.Sprint(entry["id"])
	if id == "" || id == "<nil>" {
		return "", errors.New("submit response carries no message id")
	}
	return id, nil
}

func decodeMessage(topicID string, entry map[string]interface{}) Message {
	msg := Message{TopicID: topicID}
	if id, ok := entry["id"].(string); ok {
		msg.ID = id
	}
	if action, ok := entry["action"].(string); ok {
		msg.Action = model.MessageAction(action)
	}
	if sender, ok := entry["sender"].(string); ok {
		msg.Sender = sender
	}
	if payload, ok := entry["payload"].(map[string]interface{}); ok {
		msg.Payload = payload
	}
	switch idx := entry["index"].(type) {
	case int:
		msg.Index = int64(idx)
	case int64:
		msg.Index = idx
	case float64:
		msg.Index = int64(idx)
	}
	if msg.ID == "" {
		// some deployments return the id as the payload hash
		if msg.Payload != nil {
			msg.ID = hashing.CalculateFromStr(fmt.Sprint(msg.Payload))
		}
	}
	return msg
}
