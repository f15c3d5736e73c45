// Package feeder provides the default discovery strategies: emit seeds as-is,
// expand paginated URL templates, or follow links from seed pages.
package feeder
