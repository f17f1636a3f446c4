// Package worker multiplexes client connections over a fixed set of workers.
//
// Each worker owns a slot of up to MaxClientsPerWorker connections. A worker
// sleeps on its slot condition while the slot is empty, otherwise it polls the
// slot's descriptors for readiness and runs the Handler synchronously for every
// readable connection. Connections marked closed are reaped after each round.
package worker
