// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging for SocialGuard services.
//
// Every entry carries the component name, instance ID, container name,
// tenant client ID, and request ID so that logs from all services can be
// correlated per request across a multi-tenant deployment.
package logger
