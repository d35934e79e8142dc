/*
Package retry implements broker-timed retry over RabbitMQ.

A Descriptor names a main exchange, a main queue and a routing key. From it
the package derives a small dead-letter topology:

	main exchange --routing key--> main queue
	main queue    --rejected-----> <exchange>.dlx_retry_1 --#--> <queue>.wait_retry
	wait queue    --TTL expired--> <exchange>.dlx_retry_2 --#--> main queue

A rejected delivery therefore returns to the main queue after RetryWait,
with the broker recording each pass in the x-death header. RetryCount reads
that history back.

With a non-zero EntryDelay, producers publish to <exchange>.delay_ex, whose
<queue>.entry_delay queue holds every new message for EntryDelay before it
dead-letters into the main exchange.

Three actors sit on top of the topology:

  - Producer publishes with publisher confirms through a broker.ChannelPool.
  - Consumer subscribes with basic.consume and resolves each delivery from
    the Handler result: nil acks, an error or panic rejects into the retry
    path.
  - Poller fetches one delivery at a time with basic.get; the caller
    resolves it explicitly.

Delivery is at least once. A handler must tolerate seeing the same message
again.
*/
package retry
