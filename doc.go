// Package flowmesh is a small enterprise service bus built on Watermill.
// Events are immutable envelopes carrying a payload, string properties and
// typed variables. Flows receive events from a connector source, run them
// through a processor chain and hand failures to an exception strategy.
// Routers fan events out to routes with first-match, multicast, round-robin
// or chaining strategies, and connectors reconnect through retry templates
// scheduled on a bounded work pool.
//
// A Service ties these together. It reads the default transport from Config,
// keeps connectors and flows in a registry broker that starts connectors
// before flows and stops them the other way round, and serves Prometheus
// metrics and a JSON status API when enabled.
//
//	svc := flowmesh.NewService(&flowmesh.Config{PubSubSystem: "kafka", KafkaBrokers: brokers}, logger, flowmesh.ServiceDependencies{})
//	flowmesh.RegisterJSONFlow(ctx, svc, flowmesh.JSONFlowRegistration[OrderPlaced, Invoice]{
//		TopicFlowRegistration: flowmesh.TopicFlowRegistration{
//			Name:         "invoice",
//			ConsumeTopic: "orders.placed",
//			PublishTopic: "orders.invoiced",
//		},
//		Handler: invoice,
//	})
//	err := svc.Run(ctx, 10*time.Second)
//
// # Transports
//
// Every built-in transport registers itself when this package is imported:
//   - vm: in-process Go channels
//   - kafka: consumer-group streaming
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS with LocalStack support
//   - nats and nats-jetstream
//   - http: webhook style request/response
//   - io: append-only files
//   - sqlite: embedded queue with delayed delivery and a dead-letter table
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone and OnJobError callbacks
// around every delivery to a flow.
package flowmesh
