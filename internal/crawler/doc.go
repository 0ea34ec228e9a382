// Package crawler defines the domain types and collaborator contracts shared by
// the module runner, the task scheduler, storage backends and price alerting.
package crawler
