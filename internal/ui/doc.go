// Package ui implements an interactive terminal view of a live collection using bubbletea's Elm architecture.
//
// The (view) [Model] subscribes to a sync session and renders:
//   - a status line with the session state, row count, collection version, loading flag and last error
//   - the rows as a filterable list, titled with the table, school and ordering being tracked
//   - contextual help via charmbracelet/bubbles/help
//
// Session views arrive on the dispatcher goroutine and are handed to the program through a one-slot channel, so a slow
// terminal only ever skips to the latest view. Keys: r refreshes the snapshot, / filters, ? toggles help, q quits.
package ui
