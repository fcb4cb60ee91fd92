// Package models lists the provider models usable for image generation,
// speech and dictionary lookups with the configured API key.
package models
