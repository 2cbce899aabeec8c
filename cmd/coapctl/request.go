package main

import (
	"context"
	"fmt"
	"io"
	"os"

	coap "github.com/plgd-dev/go-coap-exchange"
	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/spf13/cobra"
)

type requestFlags struct {
	nonConfirmable bool
	contentFormat  int
	file           string
}

func (r *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&r.nonConfirmable, "non", "n", false, "send a non-confirmable request")
	cmd.Flags().IntVar(&r.contentFormat, "content-format", -1, "content format of the payload")
}

func newRequest(code codes.Code, uri string, r *requestFlags, payload []byte) (*message.Message, error) {
	path, queries := splitURI(uri)
	opts, err := message.Options{}.SetPath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	for _, q := range queries {
		opts = opts.Add(message.Option{ID: message.URIQuery, Value: []byte(q)})
	}
	if r.contentFormat >= 0 {
		opts = opts.SetContentFormat(message.MediaType(r.contentFormat))
	}
	req := &message.Message{Code: code, Options: opts, Payload: payload}
	if r.nonConfirmable {
		req.Type = message.NonConfirmable
	}
	return req, nil
}

func (f *globalFlags) do(ctx context.Context, req *message.Message) (*message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	sock, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := f.options()
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	c := coap.New(sock, opts...)
	defer func() {
		_ = c.Close()
	}()
	return c.Do(ctx, req)
}

func printResponse(cmd *cobra.Command, resp *message.Message) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", resp.Code)
	if len(resp.Payload) == 0 {
		return nil
	}
	if _, err := cmd.OutOrStdout().Write(resp.Payload); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func getCmd(f *globalFlags) *cobra.Command {
	r := &requestFlags{}
	cmd := &cobra.Command{
		Use:     "get <path>",
		Short:   "Read a resource",
		Example: "  coapctl -a localhost:5683 get /oic/res?rt=oic.wk.d",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newRequest(codes.GET, args[0], r, nil)
			if err != nil {
				return err
			}
			resp, err := f.do(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	r.register(cmd)
	return cmd
}

func sendCmd(f *globalFlags, method string) *cobra.Command {
	r := &requestFlags{}
	code := codes.PUT
	if method == "post" {
		code = codes.POST
	}
	cmd := &cobra.Command{
		Use:   method + " <path>",
		Short: fmt.Sprintf("Send a %v request with the payload read from a file or stdin", code),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			var err error
			if r.file == "" || r.file == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(r.file)
			}
			if err != nil {
				return fmt.Errorf("cannot read payload: %w", err)
			}
			req, err := newRequest(code, args[0], r, payload)
			if err != nil {
				return err
			}
			resp, err := f.do(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	r.register(cmd)
	cmd.Flags().StringVarP(&r.file, "file", "f", "", "file with the payload, stdin when empty")
	return cmd
}

func deleteCmd(f *globalFlags) *cobra.Command {
	r := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newRequest(codes.DELETE, args[0], r, nil)
			if err != nil {
				return err
			}
			resp, err := f.do(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	r.register(cmd)
	return cmd
}
