// Package chattext holds small text helpers shared by the chat gateways:
//   - HTML escaping and user mentions for Telegram's HTML parse mode
//   - rune-safe truncation
//   - splitting long replies to fit per-message limits
package chattext
