package pushapi

import (
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// TimestampLayout is the server's yyyyMMddHHmmss message timestamp.
const TimestampLayout = "20060102150405"

// ParseTimestamp parses a server timestamp as UTC, returning fallback
// when s is empty or malformed.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}

	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return fallback
	}

	return t
}

// FormatTimestamp renders t in the server's timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// rawOrString returns nested JSON verbatim and scalars as their string
// value, so payloads sent as objects or as JSON strings store the same.
func rawOrString(r gjson.Result) string {
	if r.IsObject() || r.IsArray() {
		return r.Raw
	}

	return r.String()
}

func first(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := obj.Get(k); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}

	return gjson.Result{}
}

func text(r gjson.Result) string {
	return norm.NFC.String(strings.TrimSpace(r.String()))
}

// ParseMessage converts a wire payload into a Message. The dispatch id is
// required; every other field is optional. receivedAt is set to now and
// createdAt comes from the payload timestamp when it parses.
func ParseMessage(raw []byte, now time.Time) (*models.Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, apperrors.New(apperrors.KindMalformedMessage, "payload is not valid JSON")
	}

	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return nil, apperrors.New(apperrors.KindMalformedMessage, "payload is not a JSON object")
	}

	return fromObject(obj, now)
}

func fromObject(obj gjson.Result, now time.Time) (*models.Message, error) {
	id := strings.TrimSpace(first(obj, "pushDispatchId", "dispatchId").String())
	if id == "" {
		return nil, apperrors.New(apperrors.KindMalformedMessage, "missing pushDispatchId")
	}

	msgType := models.MessageType(strings.ToUpper(strings.TrimSpace(obj.Get("messageType").String())))
	if msgType == "" {
		msgType = models.TypeNotification
	}

	return &models.Message{
		DispatchID:      id,
		MessageID:       obj.Get("messageId").String(),
		MessageType:     msgType,
		Priority:        first(obj, "messagePriority", "priority").String(),
		Title:           text(obj.Get("title")),
		Body:            text(obj.Get("body")),
		ImageURL:        strings.TrimSpace(obj.Get("imageUrl").String()),
		CampaignID:      obj.Get("campaignId").String(),
		Payload:         rawOrString(obj.Get("payload")),
		AsyncSubmission: rawOrString(obj.Get("asyncSubmission")),
		Sender:          obj.Get("sender").String(),
		Channel: models.Channel{
			ID:          obj.Get("channelId").String(),
			Name:        obj.Get("channelName").String(),
			Description: obj.Get("channelDescription").String(),
		},
		ReceivedAt:   now,
		CreatedAt:    ParseTimestamp(obj.Get("timestamp").String(), now),
		UpdatedAt:    now,
		ClientStatus: models.StatusReceived,
	}, nil
}

// ParseBatch parses a JSON array of wire payloads. Items that fail to
// parse are skipped and reported in the returned error slice. An empty
// or null body is an empty batch. A body that is not a JSON array fails
// the whole batch with the final error.
func ParseBatch(raw []byte, now time.Time) ([]*models.Message, []error, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil, nil
	}

	if !gjson.Valid(trimmed) {
		return nil, nil, apperrors.New(apperrors.KindMalformedMessage, "sync response is not valid JSON")
	}

	arr := gjson.Parse(trimmed)
	if !arr.IsArray() {
		return nil, nil, apperrors.Newf(apperrors.KindMalformedMessage, "sync response is %s, not a JSON array", arr.Type)
	}

	var (
		msgs []*models.Message
		errs []error
	)

	arr.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			errs = append(errs, apperrors.Newf(apperrors.KindMalformedMessage, "batch item is %s, not an object", item.Type))
			return true
		}

		m, err := fromObject(item, now)
		if err != nil {
			errs = append(errs, err)
			return true
		}

		msgs = append(msgs, m)

		return true
	})

	return msgs, errs, nil
}
