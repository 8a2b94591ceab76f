// Package worker runs one retrieval job to completion.
//
// A Retriever discovers the exam's studies on every registered device,
// retrieves each one, waits for the images to arrive in the staging area and
// records the outcome. The monitor invokes it once per dispatched job.
package worker
