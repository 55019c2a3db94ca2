/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httphandler exposes a fetchguard.Guard over HTTP.
// It provides endpoints for reading records through the admission pipeline,
// inspecting runtime statistics, and administrative cache/queue maintenance.
package httphandler
