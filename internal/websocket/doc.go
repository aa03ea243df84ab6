// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

/*
Package websocket streams accepted location updates to connected clients.

A Hub subscribes to a LocationSource (normally the events bus) and fans every
update out to its clients. Each Client owns a gorilla/websocket connection
served by two goroutines:

  - readPump: reads client messages and answers JSON pings
  - writePump: writes queued messages and keeps the connection alive

A client may be bound to one account, in which case it only receives that
account's updates. A client whose send buffer is full is dropped rather
than slowing the hub down.

Messages are JSON objects:

	{"type":"location","account_id":"a1","data":{"device_id":"...","record":{...}}}
*/
package websocket
