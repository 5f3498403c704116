// Package telemetry provides semantic conventions for flit observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the relay's instruments, named
// namespace.attribute per the OpenTelemetry conventions.
const (
	AttrEventType    = attribute.Key("event.type")
	AttrChannel      = attribute.Key("channel")
	AttrOutcome      = attribute.Key("outcome")
	AttrAlertChannel = attribute.Key("alert.channel")
	AttrResult       = attribute.Key("result")
	AttrEnvironment  = attribute.Key("environment")
	AttrRPCOp        = attribute.Key("rpc.op")
)

// Ingest outcome values recorded on stream.events.processed.
const (
	OutcomeAdmitted    = "admitted"
	OutcomeInvalid     = "invalid"
	OutcomeUnknownType = "unknown_type"
	OutcomeFiltered    = "filtered"
	OutcomeDeduped     = "deduped"
)

// EventAttributes labels admission pipeline metrics.
func EventAttributes(environment, eventType, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrOutcome.String(outcome),
	}
}

// ChannelAttributes labels bus metrics with their output channel.
func ChannelAttributes(environment, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
}

// AlertAttributes labels alert dispatch metrics.
func AlertAttributes(environment, alertChannel, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAlertChannel.String(alertChannel),
		AttrResult.String(result),
	}
}

// RPCAttributes labels dashboard control RPC metrics.
func RPCAttributes(environment, op, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRPCOp.String(op),
		AttrOutcome.String(outcome),
	}
}
