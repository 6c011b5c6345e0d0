// Package botlog defines the records pushed by the bot-log hub (log lines and
// progress updates) and the subscription scope that decides which of them a
// console keeps. Everything here is a plain value; filtering is pure.
package botlog
