// Package relay splices two connections together.
package relay
