// Package logx is a thin zerolog facade with hot-swappable sinks.
//
// Components hold a Logger value; the Service behind it can re-apply
// level/sink config at runtime without the holders noticing.
package logx
