/*
Package log provides the process-wide zerolog logger for hardshare.

Init is called once from the CLI before any command runs; until then the
root logger writes readable lines to stderr so startup failures are
visible. Packages obtain child loggers with WithComponent and chain
per-WD or per-instance fields on as needed.

Setting the HARDSHARE_LOG environment variable forces verbose (debug)
output to stderr regardless of the configured level and writer.
*/
package log
