package retry

// Names are the broker object names derived from one main exchange and
// queue pair.
type Names struct {
	Exchange       string
	RetryExchange1 string // receives rejected deliveries from the main queue
	RetryExchange2 string // receives expired deliveries from the wait queue
	DelayExchange  string
	Queue          string
	WaitQueue      string
	DelayQueue     string
}

// DeriveNames is the only place derived names are computed; producers,
// consumers and the topology builder all go through it.
func DeriveNames(exchange, queue string) Names {
	return Names{
		Exchange:       exchange,
		RetryExchange1: exchange + ".dlx_retry_1",
		RetryExchange2: exchange + ".dlx_retry_2",
		DelayExchange:  exchange + ".delay_ex",
		Queue:          queue,
		WaitQueue:      queue + ".wait_retry",
		DelayQueue:     queue + ".entry_delay",
	}
}
