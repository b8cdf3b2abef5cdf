// Package task runs the worker side of the recipe pipeline.
//
// A Runner drains one durable queue with a fixed number of dequeue loops.
// For every task it resolves the subject key, drops the task when the subject
// already has a recipe or another worker holds its claim, and otherwise runs
// the queue's Pipeline under the claim. Pipeline errors are terminal for the
// task: a failed progress event is published and the task is acknowledged,
// never retried. Only a worker that dies mid-task gets a second attempt, via
// the queue's visibility timeout.
//
// Three pipelines cover the three queues: ScrapePipeline fetches pages and
// hands them to the ai queue, ExtractPipeline turns stored pages into
// recipes, and InventPipeline generates recipes from a description.
package task
