// Package server provides HTTP routing, middleware, and the REST and realtime handlers of the
// livesync service.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] runs in the order it is added: the first middleware passed to [Router.Use] sees the request first.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally with method-qualified patterns
// such as "PATCH /rest/v1/{table}/{id}".
//
// # Handlers
//
// [RecordsHandler] serves ordered, school-scoped snapshots of a table together with the change-log
// sequence they reflect, and accepts inserts, patches and deletes. Writes go through the store, so
// every connected realtime client sees them as change frames.
//
// [RealtimeHandler] upgrades GET /realtime/v1/{table} to a websocket and forwards a change stream,
// pinging the client to detect dead connections.
//
// # Middleware
//
// [RequestLogger] logs every request with its status and duration. [BearerAuth] guards the service
// with a static API key, compared in constant time.
//
// # Handler Interface
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// allowing handlers to register multiple routes to encapsulate route definitions within the implementation.
package server
