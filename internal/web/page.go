package web

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Parley</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 640px; margin: 2rem auto; padding: 0 1rem; background: #111; color: #eee; }
#state { color: #888; font-size: 0.9rem; margin-bottom: 1rem; }
#chat { display: flex; flex-direction: column; gap: 0.5rem; }
.msg { padding: 0.5rem 0.8rem; border-radius: 0.6rem; max-width: 85%; white-space: pre-wrap; }
.user { background: #2d4a73; align-self: flex-end; }
.assistant { background: #333; align-self: flex-start; }
form { display: flex; gap: 0.5rem; margin-top: 1rem; }
input { flex: 1; padding: 0.5rem; border-radius: 0.4rem; border: 1px solid #444; background: #222; color: #eee; }
button { padding: 0.5rem 1rem; border-radius: 0.4rem; border: none; background: #2d4a73; color: #eee; }
</style>
</head>
<body>
<div id="state">connecting&hellip;</div>
<div id="chat"></div>
<form id="form"><input id="input" placeholder="Type a message" autocomplete="off"><button>Send</button></form>
<script>
const chat = document.getElementById("chat");
const state = document.getElementById("state");
let pending = null;

function addMsg(cls, text) {
  const div = document.createElement("div");
  div.className = "msg " + cls;
  div.textContent = text;
  chat.appendChild(div);
  div.scrollIntoView();
  return div;
}

const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onopen = () => { state.textContent = "connected"; };
ws.onclose = () => { state.textContent = "disconnected"; };
ws.onmessage = (e) => {
  const ev = JSON.parse(e.data);
  switch (ev.type) {
  case "state":
    state.textContent = ev.text;
    break;
  case "user_msg":
    pending = null;
    addMsg("user", ev.text);
    break;
  case "assistant_msg":
    pending = null;
    addMsg("assistant", ev.text);
    break;
  case "assistant_append":
    if (!pending) pending = addMsg("assistant", "");
    pending.textContent += ev.text;
    pending.scrollIntoView();
    break;
  }
};

document.getElementById("form").addEventListener("submit", (e) => {
  e.preventDefault();
  const input = document.getElementById("input");
  const text = input.value.trim();
  if (!text) return;
  ws.send(JSON.stringify({type: "user_msg", text: text}));
  input.value = "";
});
</script>
</body>
</html>
`
