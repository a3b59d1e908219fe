package logging

import "log/slog"

func Session(id string) slog.Attr {
	return slog.String("session", id)
}

func Step(name string) slog.Attr {
	return slog.String("step", name)
}

func Seq(n int) slog.Attr {
	return slog.Int("seq", n)
}

func Err(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("err", msg)
}
