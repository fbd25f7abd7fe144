// Package providers defines the provider adapter capability set and the
// concrete HTTP adapters for external video generation services. The adapter
// set is open: new providers are added by implementing Adapter and wiring a
// constructor into the registry.
package providers
