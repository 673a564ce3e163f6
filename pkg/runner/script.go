// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

// agentDriver runs inside the one-shot container. It loads the agent
// class named by AGENT_CLASS_NAME from the mounted kit tree, calls
// process_request, and writes the normalized result to /result.json.
// Import failures of individual candidate files are tolerated; only an
// unresolvable class is fatal.
const agentDriver = `import asyncio
import glob
import importlib.util
import inspect
import json
import os
import sys
import traceback

AGENTS_DIR = "/module/agents"
RESULT_PATH = "/result.json"


def load_agent_class(name):
    candidates = [
        os.path.join(AGENTS_DIR, "__init__.py"),
        os.path.join(AGENTS_DIR, name.lower() + ".py"),
    ]
    candidates += sorted(glob.glob(os.path.join(AGENTS_DIR, "*.py")))

    seen = set()
    for path in candidates:
        if path in seen or not os.path.exists(path):
            continue
        seen.add(path)
        spec = importlib.util.spec_from_file_location("kiln_agent", path)
        module = importlib.util.module_from_spec(spec)
        try:
            spec.loader.exec_module(module)
        except Exception:
            continue
        cls = getattr(module, name, None)
        if cls is not None:
            return cls
    raise RuntimeError("agent class %r not found under %s" % (name, AGENTS_DIR))


def main():
    cls = load_agent_class(os.environ["AGENT_CLASS_NAME"])
    agent = cls()

    result = agent.process_request(os.environ.get("AGENT_USER_INPUT", ""))
    if inspect.iscoroutine(result):
        result = asyncio.run(result)

    if isinstance(result, dict):
        payload = {
            "response": str(result.get("response", "")),
            "results": result.get("results", []),
        }
    else:
        payload = {"response": str(result), "results": []}

    with open(RESULT_PATH, "w") as f:
        json.dump(payload, f, default=str)


if __name__ == "__main__":
    try:
        main()
    except Exception:
        with open(RESULT_PATH, "w") as f:
            json.dump({"response": "", "results": [],
                       "error": traceback.format_exc()}, f)
        sys.exit(1)
`

// runnerEntrypoint is the shell entrypoint of the one-shot container.
// It materializes the driver and execs the venv interpreter on it.
const runnerEntrypoint = `set -e
cat > /tmp/kiln_agent_driver.py <<'KILN_DRIVER_EOF'
` + agentDriver + `KILN_DRIVER_EOF
exec /venv/bin/python /tmp/kiln_agent_driver.py
`
