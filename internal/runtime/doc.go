/*
Package runtime wires the flowmesh building blocks into a running service.

# Service

The Service owns a registry broker holding connectors and flows, a work pool
shared by reconnection and async retries, and the HTTP endpoints for metrics
and the status API. Start initialises and starts everything in kind order
(connectors before flows); Stop runs the same order backwards.

	svc := runtime.NewService(cfg, logger, runtime.ServiceDependencies{})

	runtime.RegisterJSONFlow(ctx, svc, runtime.JSONFlowRegistration[OrderPlaced, Invoice]{
		TopicFlowRegistration: runtime.TopicFlowRegistration{
			Name:         "invoice",
			ConsumeTopic: "orders.placed",
			PublishTopic: "orders.invoiced",
			DeadLetter:   true,
		},
		Handler: invoice,
	})

	err := svc.Run(ctx, 10*time.Second)

# Delivery middleware

Every source of a registered flow is wrapped in the service middleware chain:
correlation ids, trace-level payload logging and a consumer span by default,
then job hooks and any registrations passed through ServiceDependencies or
TopicFlowRegistration.

# Sub-packages

  - event: the immutable event and its builder
  - processor: processors, chains and interceptors
  - routing: the outbound router and its strategies
  - retry: retry templates and policies
  - flow: flows, exception strategies and flow statistics
  - registry: registries and the lifecycle-ordering broker
  - connector: connectors, sources, dispatchers and reconnection
  - transformers: typed JSON and protobuf steps
  - transaction: transaction templates around a flow
  - work: the bounded work pool
  - config, errors, logging, metrics, lifecycle, ids, jsoncodec: ambient support
*/
package runtime
