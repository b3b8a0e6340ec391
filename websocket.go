package main

import (
	"log"
	"net/http"

	"nhooyr.io/websocket"
)

// handleWebSocket bridges one WebSocket connection to the router: each text
// message is one JSON-RPC frame, answered in order on the same socket.
func handleWebSocket(w http.ResponseWriter, r *http.Request, router *Router) {
	if rerr := checkOrigin(r); rerr != nil {
		writeRPCError(w, http.StatusForbidden, nil, rerr)
		return
	}
	recordWebsocketConnection("requested")

	// Origin is validated above against the loopback policy; the library's
	// same-host check would reject legitimate localhost clients on other ports.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("<ws> accept failed: %v", err)
		recordWebsocketConnection("failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")
	recordWebsocketConnection("established")
	incActiveConnections()
	defer decActiveConnections()
	recordSessionCreated("websocket")
	log.Printf("<ws> connection established")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				log.Printf("<ws> connection closed")
			} else {
				log.Printf("<ws> read error: %v", err)
			}
			recordWebsocketConnection("closed")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		reply := router.DispatchFrame(data)
		if reply == nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
			log.Printf("<ws> write error: %v", err)
			recordWebsocketConnection("closed")
			return
		}
	}
}
