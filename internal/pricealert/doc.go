// Package pricealert decides whether an observed price drop is worth an alert,
// keeps the raw price history, and publishes alerts.
//
// The Trigger is a reference-counted subscription index. A subscription either
// follows every price change (no threshold) or only prices at or below a
// threshold, globally or for a single module.
package pricealert
