// Package services defines the [Service] interface for remote sync endpoints and implements it for
// a livesync server.
//
// # Realtime Implementation
//
// [RealtimeClient] reads snapshots over REST and changes over a websocket:
//   - GET /rest/v1/{table}?school_id=...&order=column.desc returns a [models.Snapshot]
//   - POST, PATCH and DELETE on /rest/v1/{table}[/{id}] write rows
//   - GET /realtime/v1/{table}?school_id=... upgrades to a websocket of JSON [models.Frame] values
//
// Requests carry the configured API key as a bearer token through an [oauth2.StaticTokenSource].
//
// # Reconnection
//
// A websocket stream survives connection loss: each failed dial or dropped connection is reported
// as an error frame, then the client redials with exponential backoff between the configured
// minimum and maximum delay. The server acknowledges every new connection with a subscribed frame.
//
// # Error Handling
//
// Services use typed errors from shared package:
//   - [shared.ErrAPIRequest] : HTTP request failed or returned an error status
//   - [shared.ErrRecordNotFound] : the row does not exist
//   - [shared.ErrRecordExists] : an insert collided with an existing id
//   - [shared.ErrInvalidCredentials] : the server rejected the API key
package services
