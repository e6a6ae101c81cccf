// ABOUTME: Package documentation for the dashboard package.
// ABOUTME: Describes client registration and subscription-based fan-out.

// Package dashboard manages authenticated browser sessions connected to the
// gateway and fans agent events out to them.
//
// Clients subscribe to server ids explicitly; an event tagged with a server
// id is delivered to exactly the clients subscribed to it at that moment.
// Delivery is non-blocking per client, so a slow socket drops its own
// events instead of stalling everyone else's.
package dashboard
