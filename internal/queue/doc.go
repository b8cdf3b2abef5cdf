// Package queue implements the durable task queues feeding the workers.
//
// Each logical queue is an independent FIFO stored in Redis:
//
//	queue:<name>:pending     LIST  tasks waiting for a worker (head is next)
//	queue:<name>:processing  LIST  tasks handed to a worker and not yet settled
//	queue:<name>:inflight    ZSET  processing members scored by visibility deadline (unix ms)
//	queue:<name>:dead        LIST  tasks redelivered more than MaxDeliveries times
//
// Dequeue atomically moves a task from pending to processing. A task that is
// neither acknowledged nor negatively acknowledged before its deadline is put
// back on the tail of pending by the reaper. Every move back goes through one
// Lua script that only pushes when it actually removed the member from the
// processing list, so competing reapers, a late Nack and a reaper pass can
// never requeue the same delivery twice.
package queue
