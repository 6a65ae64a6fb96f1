// Package dedupe drops channel messages that a bridge redelivers within a short window.
package dedupe
