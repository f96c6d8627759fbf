// Package browser groups the engine implementations the pool can lease:
//
//   - chrome: headless Chrome driven over the DevTools protocol.
//   - scripted: an in-memory engine whose behavior is configured per URL.
//   - noop: a launcher that always fails, for deployments without a browser.
package browser
