// Package events defines the well-known topic constants published by the
// host, so producers and tests reference one name instead of string
// literals. Plugins address topics by string and are not bound to this
// package.
package events
