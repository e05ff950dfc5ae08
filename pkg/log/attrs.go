package log

import "log/slog"

func StreamID(id string) slog.Attr {
	return slog.String("stream_id", id)
}

func TraceID(id string) slog.Attr {
	return slog.String("trace_id", id)
}

func ContextID(id string) slog.Attr {
	return slog.String("context_id", id)
}

func NodeID(id string) slog.Attr {
	return slog.String("node_id", id)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
