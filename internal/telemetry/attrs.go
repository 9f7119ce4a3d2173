package telemetry

import "go.opentelemetry.io/otel/attribute"

func attrComponent(v string) attribute.KeyValue { return attribute.String("component", v) }
func attrTrigger(v string) attribute.KeyValue   { return attribute.String("trigger", v) }
func attrModel(v string) attribute.KeyValue     { return attribute.String("model", v) }
func attrOutcome(v string) attribute.KeyValue   { return attribute.String("outcome", v) }
func attrDecision(v string) attribute.KeyValue  { return attribute.String("decision", v) }
