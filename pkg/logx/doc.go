// Package logx is brewpanel's logging layer over zerolog.
//
// Console output is human readable with a short file:line caller. File
// output is one JSON object per line. An optional alert sink forwards
// warnings and errors to an AlertSender such as the Telegram notifier,
// rate limited so a failing loop cannot flood the chat.
package logx
