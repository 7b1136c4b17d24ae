package mq

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestKafkaHeaderCarrier(t *testing.T) {
	carrier := KafkaHeaderCarrier{}

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("baggage", "k=v")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, carrier.Keys())

	// 同名键覆盖而不是追加
	carrier.Set("traceparent", "00-abc-def-02")
	assert.Equal(t, "00-abc-def-02", carrier.Get("traceparent"))
	assert.Len(t, carrier, 2)

	assert.Equal(t, "", carrier.Get("missing"))
}

func TestKafkaHeaderCarrier_FromExistingHeaders(t *testing.T) {
	carrier := KafkaHeaderCarrier{
		{Key: "traceparent", Value: []byte("00-abc-def-01")},
		kafka.Header{Key: "custom", Value: []byte("x")},
	}
	assert.Equal(t, "x", carrier.Get("custom"))
}
