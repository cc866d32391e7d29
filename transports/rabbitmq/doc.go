// Package rabbitmq connects pipelines to an AMQP broker.
//
// PublishStep is a step that publishes the payload of each event it
// processes. Listener consumes a queue, runs every delivery through a
// processor and settles the delivery from the outcome: success acks,
// rejections that redelivery cannot fix are dead-lettered, anything else
// is requeued.
package rabbitmq
